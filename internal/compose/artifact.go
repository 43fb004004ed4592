package compose

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/patchbay-proxy/patchbay/internal/resolution"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

// Candidate is one route competing for a route key.
type Candidate struct {
	SourceFile string        `json:"source_file"`
	Route      snippet.Route `json:"route"`
}

// Conflict records multiple candidates claiming the same route key, plus the
// selection that composition applied.
type Conflict struct {
	Key        snippet.RouteKey    `json:"key"`
	Candidates []Candidate         `json:"candidates"`
	DetectedAt time.Time           `json:"detected_at"`
	WinnerFile string              `json:"winner_file"`
	Strategy   resolution.Strategy `json:"strategy"`
}

// Warning is a non-fatal composition finding.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
}

// Upstream is a declared-variable backend. Emitting upstreams as variables
// with a deferred-resolution hint keeps the dataplane reload from failing on
// DNS for absent backends.
type Upstream struct {
	Symbol string `json:"symbol"`
	Host   string `json:"host"`
	Port   string `json:"port"`
}

// Artifact is the single composed routing configuration.
type Artifact struct {
	Generation  uint64          `json:"generation"`
	ContentHash uint64          `json:"content_hash"`
	Routes      []snippet.Route `json:"routes"`
	Upstreams   []Upstream      `json:"upstreams"`
	Conflicts   []Conflict      `json:"conflicts"`
	Warnings    []Warning       `json:"warnings"`
	ProducedAt  time.Time       `json:"produced_at"`
}

// Route returns the composed route for a path, if present.
func (a *Artifact) Route(path string) (snippet.Route, bool) {
	for _, r := range a.Routes {
		if r.Path == path {
			return r, true
		}
	}
	return snippet.Route{}, false
}

// computeHash derives the content hash from the canonical rendering of
// routes and upstreams. Generation, timestamps, and warnings do not
// participate, so re-composing unchanged inputs yields the same hash.
func computeHash(routes []snippet.Route, upstreams []Upstream) uint64 {
	var b strings.Builder
	for _, u := range upstreams {
		fmt.Fprintf(&b, "upstream %s %s %s\n", u.Symbol, u.Host, u.Port)
	}
	for _, r := range routes {
		fmt.Fprintf(&b, "route %s %s %s %s %+v %v\n", r.Path, r.Match, r.Modifier, r.Upstream, r.Flags, r.Extra)
	}
	return xxhash.Sum64String(b.String())
}

// sortRoutes orders routes by (len(path) desc, path asc, match_kind) to
// preserve longest-match intuition.
func sortRoutes(routes []snippet.Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		a, b := routes[i], routes[j]
		if len(a.Path) != len(b.Path) {
			return len(a.Path) > len(b.Path)
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Match < b.Match
	})
}
