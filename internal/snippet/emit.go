package snippet

import (
	"fmt"
	"strings"
)

// EmitRoute renders a single route back into a location block.
func EmitRoute(r Route) string {
	var b strings.Builder

	switch {
	case r.Modifier != "":
		fmt.Fprintf(&b, "location %s %s {\n", r.Modifier, r.Path)
	case r.Match == MatchExact:
		fmt.Fprintf(&b, "location = %s {\n", r.Path)
	case r.Match == MatchRegex:
		fmt.Fprintf(&b, "location ~ %s {\n", r.Path)
	default:
		fmt.Fprintf(&b, "location %s {\n", r.Path)
	}

	target := r.Upstream
	if r.Flags.StripPrefix {
		fmt.Fprintf(&b, "    proxy_pass http://%s/;\n", target)
	} else {
		fmt.Fprintf(&b, "    proxy_pass http://%s;\n", target)
	}

	if r.Flags.WebSocket {
		b.WriteString("    proxy_set_header Upgrade $http_upgrade;\n")
		b.WriteString("    proxy_set_header Connection \"upgrade\";\n")
	}
	if r.Flags.ForwardedPrefix {
		fmt.Fprintf(&b, "    proxy_set_header X-Forwarded-Prefix %s;\n", r.Path)
	}
	if r.Flags.ForwardedProto != "" {
		fmt.Fprintf(&b, "    proxy_set_header X-Forwarded-Proto %s;\n", r.Flags.ForwardedProto)
	}
	switch r.Flags.RedirectPolicy {
	case RedirectRelative:
		b.WriteString("    absolute_redirect off;\n")
	case RedirectForceHTTPS:
		b.WriteString("    proxy_redirect http:// https://;\n")
	}
	for _, raw := range r.Extra {
		fmt.Fprintf(&b, "    %s\n", raw)
	}

	b.WriteString("}\n")
	return b.String()
}

// Emit renders a snippet back to file text. Routes keep file order; parse
// errors are not representable and are dropped.
func Emit(s *Snippet) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# app: %s\n", s.AppName)
	for i, r := range s.Routes {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(EmitRoute(r))
	}
	return b.String()
}

// TemplateOptions selects optional flags for a generated snippet.
type TemplateOptions struct {
	WebSocket       bool `json:"websocket"`
	StripPrefix     bool `json:"strip_prefix"`
	ForwardedPrefix bool `json:"forwarded_prefix"`
}

// Template generates a fresh snippet for one app from a base path and
// upstream, used by the create-route endpoint.
func Template(name, basePath, upstream string, opts TemplateOptions) string {
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}
	r := Route{
		Path:     basePath,
		Match:    MatchPrefix,
		Upstream: upstream,
		Flags: Flags{
			StripPrefix:     opts.StripPrefix,
			WebSocket:       opts.WebSocket,
			ForwardedPrefix: opts.ForwardedPrefix,
			RedirectPolicy:  RedirectPreserve,
		},
	}
	return fmt.Sprintf("# app: %s\n%s", name, EmitRoute(r))
}
