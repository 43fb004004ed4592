// Package registry holds the in-memory view of the currently live routes.
package registry

import (
	"sync/atomic"

	"github.com/patchbay-proxy/patchbay/internal/compose"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

// Registry exposes the live artifact's routes. The whole snapshot is swapped
// on each accepted generation; readers always see a consistent view.
type Registry struct {
	current atomic.Pointer[Snapshot]
}

// Snapshot is an immutable view of one live generation.
type Snapshot struct {
	Generation  uint64
	ContentHash uint64
	Routes      []snippet.Route
	Conflicts   []compose.Conflict
	Warnings    []compose.Warning

	byPath map[string]snippet.Route
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(buildSnapshot(&compose.Artifact{}))
	return r
}

// Update replaces the registry content from a newly live artifact.
func (r *Registry) Update(art *compose.Artifact) {
	r.current.Store(buildSnapshot(art))
}

func buildSnapshot(art *compose.Artifact) *Snapshot {
	s := &Snapshot{
		Generation:  art.Generation,
		ContentHash: art.ContentHash,
		Routes:      art.Routes,
		Conflicts:   art.Conflicts,
		Warnings:    art.Warnings,
		byPath:      make(map[string]snippet.Route, len(art.Routes)),
	}
	for _, rt := range art.Routes {
		if _, ok := s.byPath[rt.Path]; !ok {
			s.byPath[rt.Path] = rt
		}
	}
	return s
}

// Current returns the live snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Routes returns the live routes.
func (r *Registry) Routes() []snippet.Route {
	return r.Current().Routes
}

// Route returns the live route for a path.
func (r *Registry) Route(path string) (snippet.Route, bool) {
	rt, ok := r.Current().byPath[path]
	return rt, ok
}

// Generation returns the live generation number.
func (r *Registry) Generation() uint64 {
	return r.Current().Generation
}

// GroupByUpstream returns live routes keyed by upstream target.
func (r *Registry) GroupByUpstream() map[string][]snippet.Route {
	out := map[string][]snippet.Route{}
	for _, rt := range r.Current().Routes {
		out[rt.Upstream] = append(out[rt.Upstream], rt)
	}
	return out
}
