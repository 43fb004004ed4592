package snippet

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// MatchKind is how a route path is matched against requests.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchPrefix MatchKind = "prefix"
	MatchRegex  MatchKind = "regex"
)

// RedirectPolicy controls how upstream redirects are rewritten.
type RedirectPolicy string

const (
	RedirectPreserve   RedirectPolicy = "preserve"
	RedirectForceHTTPS RedirectPolicy = "force-https"
	RedirectRelative   RedirectPolicy = "relative"
)

// Flags is the closed set of recognized per-route options.
type Flags struct {
	StripPrefix     bool           `json:"strip_prefix,omitempty"`
	WebSocket       bool           `json:"websocket,omitempty"`
	ForwardedPrefix bool           `json:"forwarded_prefix,omitempty"`
	ForwardedProto  string         `json:"forwarded_proto,omitempty"`
	RedirectPolicy  RedirectPolicy `json:"https_redirect_policy,omitempty"`
}

// Route is one location block extracted from a snippet.
type Route struct {
	Path  string    `json:"path"`
	Match MatchKind `json:"match_kind"`

	// Modifier is the verbatim location modifier ("=", "~", "~*", "^~",
	// or empty), kept so emission round-trips the block as written.
	Modifier string `json:"modifier,omitempty"`

	Upstream string `json:"upstream_target"` // literal host:port or $symbol
	Flags    Flags  `json:"flags"`

	SourceFile string `json:"source_file"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`

	// Extra holds unrecognized directives verbatim, for round-trip emission.
	Extra []string `json:"-"`
}

// Key returns the route's uniqueness key within a composed artifact.
func (r Route) Key() RouteKey {
	return RouteKey{Path: r.Path, Match: r.Match}
}

// UpstreamSymbol reports whether the upstream target is a declared symbol
// rather than a literal host:port, and returns the symbol name.
func (r Route) UpstreamSymbol() (string, bool) {
	if strings.HasPrefix(r.Upstream, "$") {
		return strings.TrimPrefix(r.Upstream, "$"), true
	}
	return "", false
}

// RouteKey is (path, match_kind), the uniqueness unit in a composed artifact.
type RouteKey struct {
	Path  string    `json:"path"`
	Match MatchKind `json:"match_kind"`
}

func (k RouteKey) String() string {
	return k.Path + "|" + string(k.Match)
}

// ParseError annotates a block that could not be parsed. The rest of the
// file is unaffected.
type ParseError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// Snippet is one app's parsed route declaration file.
type Snippet struct {
	AppName  string       `json:"app_name"`
	FilePath string       `json:"file_path"`
	Routes   []Route      `json:"routes"`
	Errors   []ParseError `json:"parse_errors,omitempty"`
	Checksum uint64       `json:"checksum"`
}

var wsRun = regexp.MustCompile(`\s+`)

// ContentChecksum hashes snippet source with whitespace runs collapsed, so
// formatting-only edits do not change the checksum.
func ContentChecksum(src string) uint64 {
	return xxhash.Sum64String(wsRun.ReplaceAllString(strings.TrimSpace(src), " "))
}
