package registry

import (
	"testing"

	"github.com/patchbay-proxy/patchbay/internal/compose"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

func TestRegistrySwapsSnapshots(t *testing.T) {
	reg := New()
	if got := reg.Generation(); got != 0 {
		t.Errorf("initial generation = %d", got)
	}

	reg.Update(&compose.Artifact{
		Generation: 3,
		Routes: []snippet.Route{
			{Path: "/a/", Match: snippet.MatchPrefix, Upstream: "a:1"},
			{Path: "/b/", Match: snippet.MatchPrefix, Upstream: "b:2"},
		},
	})

	if got := reg.Generation(); got != 3 {
		t.Errorf("generation = %d, want 3", got)
	}
	rt, ok := reg.Route("/a/")
	if !ok || rt.Upstream != "a:1" {
		t.Errorf("route /a/ = %+v ok=%v", rt, ok)
	}
	if _, ok := reg.Route("/missing/"); ok {
		t.Error("unexpected route hit")
	}

	// A later snapshot fully replaces the earlier one.
	reg.Update(&compose.Artifact{
		Generation: 4,
		Routes:     []snippet.Route{{Path: "/b/", Match: snippet.MatchPrefix, Upstream: "b:2"}},
	})
	if _, ok := reg.Route("/a/"); ok {
		t.Error("dropped route still resolvable")
	}
	if len(reg.Routes()) != 1 {
		t.Errorf("routes = %v", reg.Routes())
	}
}

func TestGroupByUpstream(t *testing.T) {
	reg := New()
	reg.Update(&compose.Artifact{
		Generation: 1,
		Routes: []snippet.Route{
			{Path: "/a/", Match: snippet.MatchPrefix, Upstream: "svc:1"},
			{Path: "/b/", Match: snippet.MatchPrefix, Upstream: "svc:1"},
			{Path: "/c/", Match: snippet.MatchPrefix, Upstream: "other:2"},
		},
	})

	groups := reg.GroupByUpstream()
	if len(groups["svc:1"]) != 2 || len(groups["other:2"]) != 1 {
		t.Errorf("groups = %v", groups)
	}
}
