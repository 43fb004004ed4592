// Package compose merges app snippets and operator overrides into a single
// routing artifact, detecting conflicts and applying persisted resolutions.
package compose

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/logging"
	"github.com/patchbay-proxy/patchbay/internal/resolution"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

// reservedPaths may never be claimed by a snippet. The set covers the
// dataplane's own surface and every control-API path group.
var reservedPaths = map[string]bool{
	"/":             true,
	"/status":       true,
	"/health":       true,
	"/reports":      true,
	"/health.json":  true,
	"/status.json":  true,
	"/routes.json":  true,
	"/metrics":      true,
	"/login":        true,
	"/apps":         true,
	"/config":       true,
	"/resolve-conflict": true,
	"/rename-route":     true,
	"/ai":               true,
}

// Reserved reports whether a route path claims a reserved path.
func Reserved(path string) bool {
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == "" {
		return path == "/"
	}
	if reservedPaths[trimmed] || reservedPaths[path] {
		return true
	}
	// Control-API path groups also cover their subpaths.
	for _, group := range []string{"/apps/", "/config/", "/ai/"} {
		if strings.HasPrefix(path, group) {
			return true
		}
	}
	return false
}

// Composer turns the current snippet set into artifacts.
type Composer struct {
	store *resolution.Store
}

// New creates a Composer backed by the given resolution store.
func New(store *resolution.Store) *Composer {
	return &Composer{store: store}
}

type candidateList struct {
	key        snippet.RouteKey
	candidates []Candidate
}

// Compose merges overrides (which win on identical keys) and snippets into a
// single artifact. Composition is best-effort: parse errors, reserved paths,
// and conflicts become warnings and conflict records, never failures.
func (c *Composer) Compose(snippets, overrides []*snippet.Snippet, generation uint64) *Artifact {
	art := &Artifact{
		Generation: generation,
		ProducedAt: time.Now().UTC(),
	}

	overrideFiles := make(map[string]bool, len(overrides))
	for _, o := range overrides {
		overrideFiles[o.FilePath] = true
	}

	// Walk overrides first so their candidates lead the load order.
	byKey := map[snippet.RouteKey]int{}
	var ordered []*candidateList
	for _, s := range append(append([]*snippet.Snippet{}, overrides...), snippets...) {
		for _, pe := range s.Errors {
			art.Warnings = append(art.Warnings, Warning{
				Code:    "parse-error",
				Message: fmt.Sprintf("%s:%d: %s", filepath.Base(s.FilePath), pe.Line, pe.Message),
				File:    s.FilePath,
			})
		}
		if len(s.Routes) == 0 {
			art.Warnings = append(art.Warnings, Warning{
				Code:    "empty-snippet",
				Message: fmt.Sprintf("%s declares no routes", filepath.Base(s.FilePath)),
				File:    s.FilePath,
			})
			continue
		}
		for _, r := range s.Routes {
			if Reserved(r.Path) {
				art.Warnings = append(art.Warnings, Warning{
					Code:    "reserved-path",
					Message: fmt.Sprintf("%s claims reserved path %s; route dropped", filepath.Base(s.FilePath), r.Path),
					File:    s.FilePath,
				})
				continue
			}
			key := r.Key()
			idx, seen := byKey[key]
			if !seen {
				byKey[key] = len(ordered)
				ordered = append(ordered, &candidateList{key: key})
				idx = len(ordered) - 1
			}
			cl := ordered[idx]
			if dup := sameFileDuplicate(cl.candidates, s.FilePath); dup {
				art.Warnings = append(art.Warnings, Warning{
					Code:    "duplicate-route",
					Message: fmt.Sprintf("%s declares %s twice; first block kept", filepath.Base(s.FilePath), r.Path),
					File:    s.FilePath,
				})
				continue
			}
			cl.candidates = append(cl.candidates, Candidate{SourceFile: s.FilePath, Route: r})
		}
	}

	var fromOverrides, fromSnippets []snippet.Route
	for _, cl := range ordered {
		winner := c.selectWinner(cl, art)
		if overrideFiles[winner.SourceFile] {
			fromOverrides = append(fromOverrides, winner.Route)
		} else {
			fromSnippets = append(fromSnippets, winner.Route)
		}
	}

	sortRoutes(fromOverrides)
	sortRoutes(fromSnippets)
	art.Routes = append(fromOverrides, fromSnippets...)

	art.Upstreams = synthesizeUpstreams(art.Routes)
	art.ContentHash = computeHash(art.Routes, art.Upstreams)

	c.markStale(snippets, overrides, art)

	logging.Debug("composed artifact",
		zap.Uint64("generation", art.Generation),
		zap.Uint64("hash", art.ContentHash),
		zap.Int("routes", len(art.Routes)),
		zap.Int("conflicts", len(art.Conflicts)),
		zap.Int("warnings", len(art.Warnings)),
	)
	return art
}

// selectWinner applies resolutions deterministically: a non-stale resolution
// whose winner is still a candidate wins as manual; otherwise the first
// candidate in load order wins.
func (c *Composer) selectWinner(cl *candidateList, art *Artifact) Candidate {
	if len(cl.candidates) == 1 {
		return cl.candidates[0]
	}

	winner := cl.candidates[0]
	strategy := resolution.StrategyFirstWins

	if res, ok := c.store.Get(cl.key); ok {
		found := false
		for _, cand := range cl.candidates {
			if cand.SourceFile == res.WinnerFile {
				winner = cand
				found = true
				break
			}
		}
		if found {
			strategy = resolution.StrategyManual
			if res.Strategy == resolution.StrategyRenamed {
				strategy = resolution.StrategyRenamed
			}
		} else {
			art.Warnings = append(art.Warnings, Warning{
				Code:    "stale-resolution",
				Message: fmt.Sprintf("resolution for %s points to missing %s; first-wins applied", cl.key.Path, filepath.Base(res.WinnerFile)),
			})
		}
	}

	art.Conflicts = append(art.Conflicts, Conflict{
		Key:        cl.key,
		Candidates: cl.candidates,
		DetectedAt: art.ProducedAt,
		WinnerFile: winner.SourceFile,
		Strategy:   strategy,
	})
	if strategy == resolution.StrategyFirstWins {
		art.Warnings = append(art.Warnings, Warning{
			Code: "conflict-unresolved",
			Message: fmt.Sprintf("%d candidates claim %s; %s wins by load order",
				len(cl.candidates), cl.key.Path, filepath.Base(winner.SourceFile)),
		})
	}
	return winner
}

// markStale flags persisted resolutions whose winner no longer carries the
// route key. Marking failure only warns: composition never fails on store IO.
func (c *Composer) markStale(snippets, overrides []*snippet.Snippet, art *Artifact) {
	present := map[string]bool{}
	for _, s := range append(append([]*snippet.Snippet{}, overrides...), snippets...) {
		for _, r := range s.Routes {
			present[r.Key().String()+"|"+s.FilePath] = true
		}
	}
	err := c.store.PruneStale(func(key snippet.RouteKey, winnerFile string) bool {
		return present[key.String()+"|"+winnerFile]
	})
	if err != nil {
		art.Warnings = append(art.Warnings, Warning{
			Code:    "resolution-store",
			Message: fmt.Sprintf("could not mark stale resolutions: %v", err),
		})
	}
}

// synthesizeUpstreams declares a variable upstream for every distinct literal
// host:port target, in route order.
func synthesizeUpstreams(routes []snippet.Route) []Upstream {
	seen := map[string]bool{}
	var out []Upstream
	for _, r := range routes {
		if _, isSym := r.UpstreamSymbol(); isSym {
			continue
		}
		if seen[r.Upstream] {
			continue
		}
		seen[r.Upstream] = true
		host, port := splitHostPort(r.Upstream)
		out = append(out, Upstream{
			Symbol: UpstreamSymbol(r.Upstream),
			Host:   host,
			Port:   port,
		})
	}
	return out
}

// UpstreamSymbol derives the declared-variable name for a literal host:port.
func UpstreamSymbol(target string) string {
	var b strings.Builder
	b.WriteString("up_")
	for _, ch := range target {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '_':
			b.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			b.WriteRune(ch + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func sameFileDuplicate(candidates []Candidate, file string) bool {
	for _, c := range candidates {
		if c.SourceFile == file {
			return true
		}
	}
	return false
}

func splitHostPort(target string) (string, string) {
	if i := strings.LastIndex(target, ":"); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}
