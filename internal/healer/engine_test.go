package healer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patchbay-proxy/patchbay/internal/compose"
	errs "github.com/patchbay-proxy/patchbay/internal/errors"
	"github.com/patchbay-proxy/patchbay/internal/registry"
	"github.com/patchbay-proxy/patchbay/internal/scanner"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
	"github.com/patchbay-proxy/patchbay/internal/thoughts"
)

// fakePipeline keeps snippet files in memory and counts commits.
type fakePipeline struct {
	mu       sync.Mutex
	files    map[string]string
	commits  []string
	hash     uint64
	failNext bool
}

func newFakePipeline(files map[string]string) *fakePipeline {
	return &fakePipeline{files: files, hash: 1}
}

func (p *fakePipeline) ReadFile(path string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.files[path]
	return content, ok, nil
}

func (p *fakePipeline) Commit(_ context.Context, path, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("dataplane rejected config")
	}
	if content == "" {
		delete(p.files, path)
	} else {
		p.files[path] = content
	}
	p.commits = append(p.commits, path)
	p.hash++
	return nil
}

func (p *fakePipeline) OverridePath(name string) string { return "overrides/" + name }

func (p *fakePipeline) LiveHash() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hash
}

func (p *fakePipeline) content(path string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[path]
}

// fakeProber delegates to a closure so tests can key probe results off the
// pipeline's current file state.
type fakeProber struct {
	fn func(path string) (scanner.Report, *scanner.Report)
}

func (f *fakeProber) ProbeNow(_ context.Context, path string) (scanner.Report, *scanner.Report) {
	return f.fn(path)
}

func localReport(path string, status int, body string) scanner.Report {
	return scanner.Report{
		RoutePath:     path,
		Origin:        scanner.OriginLocal,
		StatusCode:    status,
		Severity:      scanner.Classify(status),
		BodySignature: body,
		ProbedAt:      time.Now().UTC(),
	}
}

func liveRegistry(routes ...snippet.Route) *registry.Registry {
	reg := registry.New()
	reg.Update(&compose.Artifact{Generation: 1, Routes: routes})
	return reg
}

func newEngine(t *testing.T, p Pipeline, reg *registry.Registry, prober Prober) (*Engine, *thoughts.Bus) {
	t.Helper()
	bus := thoughts.NewBus(nil)
	t.Cleanup(bus.Close)
	e := New(Options{VerifyDelay: 5 * time.Millisecond}, p, reg, prober, bus, nil)
	return e, bus
}

func TestHealStripPrefixRecovers(t *testing.T) {
	rt := snippet.Route{
		Path:       "/app/",
		Match:      snippet.MatchPrefix,
		Upstream:   "app:3000",
		Flags:      snippet.Flags{StripPrefix: true},
		SourceFile: "snippets/app.conf",
	}
	p := newFakePipeline(map[string]string{
		"snippets/app.conf": "# app: app\n" + snippet.EmitRoute(rt),
	})
	// Unhealthy while the prefix is stripped, healthy once it is preserved.
	prober := &fakeProber{fn: func(path string) (scanner.Report, *scanner.Report) {
		if strings.Contains(p.content("snippets/app.conf"), "app:3000/;") {
			return localReport(path, 404, "html"), nil
		}
		return localReport(path, 200, "html"), nil
	}}

	e, _ := newEngine(t, p, liveRegistry(rt), prober)
	attempt, err := e.Heal(context.Background(), "/app/", HealOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if attempt.Verified != VerdictPass {
		t.Errorf("verdict = %q, want pass", attempt.Verified)
	}
	if attempt.Strategy != "ensure-prefix-preserved" {
		t.Errorf("strategy = %q", attempt.Strategy)
	}
	if strings.Contains(p.content("snippets/app.conf"), "app:3000/;") {
		t.Error("snippet still strips the prefix")
	}
	if attempt.AfterHash == attempt.BeforeHash {
		t.Error("after hash should move on a kept mutation")
	}
}

func TestHealRollsBackWhenRouteStaysBroken(t *testing.T) {
	rt := snippet.Route{
		Path:       "/app/",
		Match:      snippet.MatchPrefix,
		Upstream:   "app:3000",
		Flags:      snippet.Flags{StripPrefix: true},
		SourceFile: "snippets/app.conf",
	}
	original := "# app: app\n" + snippet.EmitRoute(rt)
	p := newFakePipeline(map[string]string{"snippets/app.conf": original})
	prober := &fakeProber{fn: func(path string) (scanner.Report, *scanner.Report) {
		return localReport(path, 404, "html"), nil
	}}

	e, _ := newEngine(t, p, liveRegistry(rt), prober)
	attempt, err := e.Heal(context.Background(), "/app/", HealOptions{})
	if err == nil {
		t.Fatal("expected heal-exhausted error")
	}
	var apiErr *errs.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != "heal-exhausted" {
		t.Errorf("error = %v, want heal-exhausted", err)
	}
	if attempt.Verified != VerdictFail {
		t.Errorf("verdict = %q, want fail", attempt.Verified)
	}
	if got := p.content("snippets/app.conf"); got != original {
		t.Errorf("snippet not restored:\n%s", got)
	}
}

func TestHealWebSocketUpgrade(t *testing.T) {
	rt := snippet.Route{
		Path:       "/ws/",
		Match:      snippet.MatchPrefix,
		Upstream:   "app:3000",
		SourceFile: "snippets/ws.conf",
	}
	p := newFakePipeline(map[string]string{
		"snippets/ws.conf": "# app: ws\n" + snippet.EmitRoute(rt),
	})
	prober := &fakeProber{fn: func(path string) (scanner.Report, *scanner.Report) {
		if strings.Contains(p.content("snippets/ws.conf"), "Upgrade") {
			return localReport(path, 200, ""), nil
		}
		return localReport(path, 426, ""), nil
	}}

	e, _ := newEngine(t, p, liveRegistry(rt), prober)
	attempt, err := e.Heal(context.Background(), "/ws/", HealOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if attempt.Strategy != "ws-headers" || attempt.Verified != VerdictPass {
		t.Errorf("attempt = %+v", attempt)
	}
	if !strings.Contains(p.content("snippets/ws.conf"), `proxy_set_header Connection "upgrade";`) {
		t.Error("upgrade headers missing from snippet")
	}
}

func TestHealUsesProvidedAttemptID(t *testing.T) {
	rt := snippet.Route{
		Path:       "/app/",
		Match:      snippet.MatchPrefix,
		Upstream:   "app:3000",
		SourceFile: "snippets/app.conf",
	}
	p := newFakePipeline(map[string]string{
		"snippets/app.conf": "# app: app\n" + snippet.EmitRoute(rt),
	})
	prober := &fakeProber{fn: func(path string) (scanner.Report, *scanner.Report) {
		return localReport(path, 200, ""), nil
	}}

	e, _ := newEngine(t, p, liveRegistry(rt), prober)
	attempt, _ := e.Heal(context.Background(), "/app/", HealOptions{
		AttemptID: "5a1c9e0e-6f2d-4c57-9a35-2b7d7f40f21a",
	})
	if attempt == nil || attempt.ID != "5a1c9e0e-6f2d-4c57-9a35-2b7d7f40f21a" {
		t.Fatalf("attempt = %+v, want the caller's id", attempt)
	}
}

func TestHealCooldown(t *testing.T) {
	rt := snippet.Route{
		Path:       "/app/",
		Match:      snippet.MatchPrefix,
		Upstream:   "app:3000",
		SourceFile: "snippets/app.conf",
	}
	p := newFakePipeline(map[string]string{
		"snippets/app.conf": "# app: app\n" + snippet.EmitRoute(rt),
	})
	prober := &fakeProber{fn: func(path string) (scanner.Report, *scanner.Report) {
		return localReport(path, 200, ""), nil
	}}

	e, _ := newEngine(t, p, liveRegistry(rt), prober)
	if _, err := e.Heal(context.Background(), "/app/", HealOptions{}); err == nil {
		t.Fatal("healthy route should report no applicable strategy")
	}

	_, err := e.Heal(context.Background(), "/app/", HealOptions{})
	var apiErr *errs.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != "heal-cooldown" {
		t.Errorf("second attempt error = %v, want heal-cooldown", err)
	}
}

func TestHealRenameOnConflict(t *testing.T) {
	winner := snippet.Route{
		Path:       "/shared/",
		Match:      snippet.MatchPrefix,
		Upstream:   "a:1000",
		SourceFile: "snippets/alpha.conf",
	}
	loser := snippet.Route{
		Path:       "/shared/",
		Match:      snippet.MatchPrefix,
		Upstream:   "b:2000",
		SourceFile: "snippets/beta.conf",
	}
	p := newFakePipeline(map[string]string{
		"snippets/alpha.conf": "# app: alpha\n" + snippet.EmitRoute(winner),
		"snippets/beta.conf":  "# app: beta\n" + snippet.EmitRoute(loser),
	})
	prober := &fakeProber{fn: func(path string) (scanner.Report, *scanner.Report) {
		return localReport(path, 200, ""), nil
	}}

	e, _ := newEngine(t, p, liveRegistry(winner), prober)
	attempt, err := e.Heal(context.Background(), "/shared/", HealOptions{
		OperatorRequested:  true,
		ConflictLosingFile: "snippets/beta.conf",
	})
	if err != nil {
		t.Fatal(err)
	}
	if attempt.Strategy != "rename-on-conflict" {
		t.Errorf("strategy = %q", attempt.Strategy)
	}
	// Local was healthy, external unreachable: the change is kept.
	if attempt.Verified != VerdictInconclusive {
		t.Errorf("verdict = %q, want inconclusive", attempt.Verified)
	}
	if !strings.Contains(p.content("snippets/beta.conf"), "location /beta/shared/") {
		t.Errorf("losing snippet not renamed:\n%s", p.content("snippets/beta.conf"))
	}
	if strings.Contains(p.content("snippets/alpha.conf"), "/beta/") {
		t.Error("winning snippet should be untouched")
	}
}

func TestHealCommitRejectionMovesOn(t *testing.T) {
	rt := snippet.Route{
		Path:       "/app/",
		Match:      snippet.MatchPrefix,
		Upstream:   "app:3000",
		Flags:      snippet.Flags{StripPrefix: true},
		SourceFile: "snippets/app.conf",
	}
	original := "# app: app\n" + snippet.EmitRoute(rt)
	p := newFakePipeline(map[string]string{"snippets/app.conf": original})
	p.failNext = true
	prober := &fakeProber{fn: func(path string) (scanner.Report, *scanner.Report) {
		return localReport(path, 404, "html"), nil
	}}

	e, _ := newEngine(t, p, liveRegistry(rt), prober)
	attempt, err := e.Heal(context.Background(), "/app/", HealOptions{})
	if err == nil {
		t.Fatal("expected heal-exhausted after rejected commit")
	}
	if attempt.Verified != VerdictFail {
		t.Errorf("verdict = %q", attempt.Verified)
	}
	if got := p.content("snippets/app.conf"); got != original {
		t.Errorf("snippet changed despite rejected commit:\n%s", got)
	}
}

func TestStrategyPatterns(t *testing.T) {
	strategies := catalog()
	if len(strategies) != 7 {
		t.Fatalf("catalog size = %d, want 7", len(strategies))
	}

	tests := []struct {
		name string
		env  Env
		want string // first matching strategy, "" for none
	}{
		{
			name: "html where asset expected while stripping",
			env:  Env{StripPrefix: true, LocalBody: "html", LocalSeverity: "warn"},
			want: "ensure-prefix-preserved",
		},
		{
			name: "absolute http redirect seen externally",
			env:  Env{ExternalProbed: true, ExternalHTTPS: true, ExternalLocation: "http://pub.example/app/"},
			want: "force-relative-redirects",
		},
		{
			name: "mixed content behind https tunnel",
			env:  Env{ExternalProbed: true, ExternalHTTPS: true, MixedContent: true},
			want: "preserve-proto-https",
		},
		{
			name: "upgrade required",
			env:  Env{LocalStatus: 426},
			want: "ws-headers",
		},
		{
			name: "bad gateway",
			env:  Env{LocalStatus: 502, LocalSeverity: "err"},
			want: "upstream-resilience",
		},
		{
			name: "healthy route",
			env:  Env{LocalStatus: 200, LocalSeverity: "ok"},
			want: "",
		},
		{
			name: "conflict repair needs operator intent",
			env:  Env{ConflictPersists: true, LosingFile: "snippets/x.conf"},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ""
			for _, s := range strategies {
				ok, err := s.Matches(&tt.env)
				if err != nil {
					t.Fatal(err)
				}
				if ok {
					got = s.Name
					break
				}
			}
			if got != tt.want {
				t.Errorf("first match = %q, want %q", got, tt.want)
			}
		})
	}
}
