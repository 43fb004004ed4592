package dataplane

import (
	"fmt"
	"strings"

	"github.com/patchbay-proxy/patchbay/internal/compose"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

// Render emits the composed artifact in the dataplane's on-disk format:
// a header comment, one variable declaration per upstream symbol, then one
// location block per route in artifact order.
func Render(art *compose.Artifact) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# patchbay composed artifact\n")
	fmt.Fprintf(&b, "# generation: %d\n", art.Generation)
	fmt.Fprintf(&b, "# hash: %016x\n\n", art.ContentHash)

	if len(art.Upstreams) > 0 {
		// Declared variables defer DNS resolution to request time, so a
		// missing backend cannot fail validation or reload.
		b.WriteString("resolver 127.0.0.1 valid=30s ipv6=off;\n\n")
		for _, u := range art.Upstreams {
			fmt.Fprintf(&b, "set $%s %s:%s;\n", u.Symbol, u.Host, u.Port)
		}
		b.WriteString("\n")
	}

	for i, r := range art.Routes {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderRoute(r))
	}
	return b.String()
}

func renderRoute(r snippet.Route) string {
	target := r.Upstream
	if _, isSym := r.UpstreamSymbol(); !isSym {
		target = "$" + compose.UpstreamSymbol(r.Upstream)
	}
	rendered := r
	rendered.Upstream = target
	return snippet.EmitRoute(rendered)
}
