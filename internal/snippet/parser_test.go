package snippet

import (
	"strings"
	"testing"
)

func TestParseBasicBlocks(t *testing.T) {
	src := `
# grafana
location /grafana/ {
    proxy_pass http://127.0.0.1:3000/;
}

location = /ping {
    proxy_pass http://127.0.0.1:3000;
}

location ~ ^/api/v[0-9]+/ {
    proxy_pass http://api:8000;
}
`
	s := Parse("apps/grafana.conf", src)
	if len(s.Errors) != 0 {
		t.Fatalf("unexpected parse errors: %v", s.Errors)
	}
	if len(s.Routes) != 3 {
		t.Fatalf("expected 3 routes, got %d", len(s.Routes))
	}

	tests := []struct {
		idx      int
		path     string
		match    MatchKind
		upstream string
		strip    bool
	}{
		{0, "/grafana/", MatchPrefix, "127.0.0.1:3000", true},
		{1, "/ping", MatchExact, "127.0.0.1:3000", false},
		{2, "^/api/v[0-9]+/", MatchRegex, "api:8000", false},
	}
	for _, tt := range tests {
		r := s.Routes[tt.idx]
		if r.Path != tt.path {
			t.Errorf("route %d: path = %q, want %q", tt.idx, r.Path, tt.path)
		}
		if r.Match != tt.match {
			t.Errorf("route %d: match = %q, want %q", tt.idx, r.Match, tt.match)
		}
		if r.Upstream != tt.upstream {
			t.Errorf("route %d: upstream = %q, want %q", tt.idx, r.Upstream, tt.upstream)
		}
		if r.Flags.StripPrefix != tt.strip {
			t.Errorf("route %d: strip = %v, want %v", tt.idx, r.Flags.StripPrefix, tt.strip)
		}
	}
	if s.AppName != "grafana" {
		t.Errorf("app name = %q, want grafana", s.AppName)
	}
}

func TestParseRecognizedFlags(t *testing.T) {
	src := `
location /ws/ {
    proxy_pass http://127.0.0.1:9100;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
    proxy_set_header X-Forwarded-Prefix /ws/;
    proxy_set_header X-Forwarded-Proto https;
    absolute_redirect off;
}
`
	s := Parse("apps/ws.conf", src)
	if len(s.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d (errors: %v)", len(s.Routes), s.Errors)
	}
	f := s.Routes[0].Flags
	if !f.WebSocket {
		t.Error("expected websocket flag")
	}
	if !f.ForwardedPrefix {
		t.Error("expected forwarded_prefix flag")
	}
	if f.ForwardedProto != "https" {
		t.Errorf("forwarded proto = %q, want https", f.ForwardedProto)
	}
	if f.RedirectPolicy != RedirectRelative {
		t.Errorf("redirect policy = %q, want relative", f.RedirectPolicy)
	}
}

func TestParseUnknownDirectivesPreserved(t *testing.T) {
	src := `
location /app/ {
    proxy_pass http://127.0.0.1:5000;
    client_max_body_size 50m;
    proxy_read_timeout 120s;
}
`
	s := Parse("apps/app.conf", src)
	if len(s.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(s.Routes))
	}
	extra := s.Routes[0].Extra
	if len(extra) != 2 {
		t.Fatalf("expected 2 preserved directives, got %v", extra)
	}
	if extra[0] != "client_max_body_size 50m;" {
		t.Errorf("preserved directive = %q", extra[0])
	}

	// Round trip keeps them.
	out := EmitRoute(s.Routes[0])
	if !strings.Contains(out, "client_max_body_size 50m;") {
		t.Errorf("emit dropped unknown directive:\n%s", out)
	}
	if !strings.Contains(out, "proxy_read_timeout 120s;") {
		t.Errorf("emit dropped unknown directive:\n%s", out)
	}
}

func TestParseBadBlockDropsOnlyThatBlock(t *testing.T) {
	src := `
location /good/ {
    proxy_pass http://127.0.0.1:5000;
}

location /broken/ {
    proxy_pass not a url;;
}

location /also-good/ {
    proxy_pass http://127.0.0.1:6000;
}
`
	s := Parse("apps/mixed.conf", src)
	if len(s.Routes) != 2 {
		t.Fatalf("expected 2 surviving routes, got %d", len(s.Routes))
	}
	if len(s.Errors) == 0 {
		t.Fatal("expected a parse error for the broken block")
	}
	if s.Routes[0].Path != "/good/" || s.Routes[1].Path != "/also-good/" {
		t.Errorf("surviving routes = %q, %q", s.Routes[0].Path, s.Routes[1].Path)
	}
}

func TestParseMissingProxyPass(t *testing.T) {
	s := Parse("apps/x.conf", "location /x/ {\n    absolute_redirect off;\n}\n")
	if len(s.Routes) != 0 {
		t.Fatalf("expected no routes, got %d", len(s.Routes))
	}
	if len(s.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", s.Errors)
	}
}

func TestParseUpstreamSymbol(t *testing.T) {
	s := Parse("apps/sym.conf", "location /s/ {\n    proxy_pass http://$svc_backend;\n}\n")
	if len(s.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d (errors: %v)", len(s.Routes), s.Errors)
	}
	sym, ok := s.Routes[0].UpstreamSymbol()
	if !ok || sym != "svc_backend" {
		t.Errorf("symbol = %q, ok = %v", sym, ok)
	}
}

func TestChecksumWhitespaceInsensitive(t *testing.T) {
	a := ContentChecksum("location /a/ {\n  proxy_pass http://h:1;\n}\n")
	b := ContentChecksum("location   /a/ {    proxy_pass http://h:1; }")
	if a != b {
		t.Error("checksum should ignore whitespace differences")
	}
	c := ContentChecksum("location /b/ { proxy_pass http://h:1; }")
	if a == c {
		t.Error("checksum should change with content")
	}
}

func TestEmitRoundTrip(t *testing.T) {
	src := `location /app/ {
    proxy_pass http://127.0.0.1:5000/;
    proxy_set_header Upgrade $http_upgrade;
    proxy_set_header Connection "upgrade";
}
`
	first := Parse("apps/rt.conf", src)
	if len(first.Routes) != 1 {
		t.Fatalf("parse failed: %v", first.Errors)
	}
	second := Parse("apps/rt.conf", Emit(first))
	if len(second.Routes) != 1 {
		t.Fatalf("re-parse failed: %v", second.Errors)
	}
	a, b := first.Routes[0], second.Routes[0]
	if a.Path != b.Path || a.Upstream != b.Upstream || a.Flags != b.Flags {
		t.Errorf("round trip mismatch:\n  a = %+v\n  b = %+v", a, b)
	}
}

func TestLocationModifiersRoundTrip(t *testing.T) {
	src := "location ^~ /static/ {\n    proxy_pass http://files:9000;\n}\n\n" +
		"location ~* /img/ {\n    proxy_pass http://img:9100;\n}\n"
	s := Parse("apps/media.conf", src)
	if len(s.Errors) != 0 {
		t.Fatalf("errors = %v", s.Errors)
	}
	if len(s.Routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(s.Routes))
	}
	if s.Routes[0].Modifier != "^~" || s.Routes[0].Match != MatchPrefix {
		t.Errorf("route 0 modifier = %q match = %q", s.Routes[0].Modifier, s.Routes[0].Match)
	}
	if s.Routes[1].Modifier != "~*" || s.Routes[1].Match != MatchRegex {
		t.Errorf("route 1 modifier = %q match = %q", s.Routes[1].Modifier, s.Routes[1].Match)
	}

	out := Emit(s)
	if !strings.Contains(out, "location ^~ /static/ {") {
		t.Errorf("^~ modifier lost on emit:\n%s", out)
	}
	if !strings.Contains(out, "location ~* /img/ {") {
		t.Errorf("~* modifier lost on emit:\n%s", out)
	}
}

func TestTemplate(t *testing.T) {
	out := Template("myapp", "/myapp", "127.0.0.1:4000", TemplateOptions{WebSocket: true})
	s := Parse("apps/myapp.conf", out)
	if len(s.Routes) != 1 {
		t.Fatalf("template output failed to parse: %v", s.Errors)
	}
	r := s.Routes[0]
	if r.Path != "/myapp/" {
		t.Errorf("path = %q, want /myapp/ (trailing slash added)", r.Path)
	}
	if !r.Flags.WebSocket {
		t.Error("expected websocket flag in template output")
	}
}
