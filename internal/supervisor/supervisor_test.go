package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patchbay-proxy/patchbay/internal/compose"
	"github.com/patchbay-proxy/patchbay/internal/config"
	"github.com/patchbay-proxy/patchbay/internal/dataplane"
	errs "github.com/patchbay-proxy/patchbay/internal/errors"
	"github.com/patchbay-proxy/patchbay/internal/registry"
	"github.com/patchbay-proxy/patchbay/internal/resolution"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

// scriptEngine validates by rejecting configs containing badToken.
type scriptEngine struct {
	badToken  string
	reloadErr error
}

func (e *scriptEngine) Validate(_ context.Context, configPath string) error {
	if e.badToken == "" {
		return nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	if strings.Contains(string(data), e.badToken) {
		return errors.New(`unknown directive near "` + e.badToken + `"`)
	}
	return nil
}

func (e *scriptEngine) Reload(context.Context, string) error { return e.reloadErr }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.WorkDir = root
	cfg.SnippetDir = filepath.Join(root, "apps")
	cfg.OverrideDir = filepath.Join(root, "overrides")
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newSupervisor(t *testing.T, engine dataplane.Engine) (*Supervisor, *config.Config, *registry.Registry) {
	t.Helper()
	cfg := testConfig(t)

	resols, err := resolution.Open(filepath.Join(cfg.StateDir(), "resolutions.json"))
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New()
	adapter := dataplane.NewAdapter(engine, cfg.BuildDir(), time.Second)
	sup := New(cfg, compose.New(resols), resols, adapter, reg, nil, nil)
	return sup, cfg, reg
}

func writeSnippet(t *testing.T, cfg *config.Config, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(cfg.SnippetDir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const alphaSnippet = `# app: alpha
location /a/ {
    proxy_pass http://alpha:3000;
}
`

func TestRecomposeAppliesSnippets(t *testing.T) {
	sup, cfg, reg := newSupervisor(t, &scriptEngine{})
	writeSnippet(t, cfg, "alpha.conf", alphaSnippet)

	res, err := sup.Recompose(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Generation != 1 {
		t.Errorf("generation = %d", res.Generation)
	}
	if _, ok := reg.Route("/a/"); !ok {
		t.Error("route /a/ not live")
	}
	if _, err := os.Stat(filepath.Join(cfg.BuildDir(), "composed.active")); err != nil {
		t.Errorf("active config missing: %v", err)
	}
}

func TestCommitRollsBackOnValidationFailure(t *testing.T) {
	sup, cfg, reg := newSupervisor(t, &scriptEngine{badToken: "broken"})
	writeSnippet(t, cfg, "alpha.conf", alphaSnippet)
	if _, err := sup.Recompose(context.Background()); err != nil {
		t.Fatal(err)
	}

	bad := "location /b/ {\n    proxy_pass http://broken:9;\n}\n"
	badPath := filepath.Join(cfg.SnippetDir, "beta.conf")
	_, err := sup.commit(context.Background(), badPath, bad)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	var apiErr *errs.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != "validation-failed" {
		t.Errorf("error = %v, want validation-failed", err)
	}
	if _, statErr := os.Stat(badPath); !os.IsNotExist(statErr) {
		t.Error("rejected snippet left on disk")
	}
	if _, ok := reg.Route("/a/"); !ok {
		t.Error("previous routes lost after rollback")
	}
	if _, ok := reg.Route("/b/"); ok {
		t.Error("rejected route went live")
	}
}

func TestInstallSnippetValidation(t *testing.T) {
	sup, _, _ := newSupervisor(t, &scriptEngine{})
	ctx := context.Background()

	if _, err := sup.InstallSnippet(ctx, "alpha", alphaSnippet); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		app     string
		content string
		code    string
	}{
		{
			name:    "parse error",
			app:     "bad",
			content: "location /x/ {\n    this is not nginx\n",
			code:    "parse-error",
		},
		{
			name:    "no routes",
			app:     "empty",
			content: "# app: empty\n",
			code:    "validation",
		},
		{
			name:    "reserved path",
			app:     "sneaky",
			content: "location /config/ {\n    proxy_pass http://x:1;\n}\n",
			code:    "reserved-path",
		},
		{
			name:    "conflicting claim",
			app:     "clash",
			content: "location /a/ {\n    proxy_pass http://other:2;\n}\n",
			code:    "conflict-would-occur",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sup.InstallSnippet(ctx, tt.app, tt.content)
			var apiErr *errs.APIError
			if !errors.As(err, &apiErr) || apiErr.ErrorCode != tt.code {
				t.Errorf("error = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestConflictSurfacesWithoutReload(t *testing.T) {
	sup, cfg, reg := newSupervisor(t, &scriptEngine{})
	writeSnippet(t, cfg, "alpha.conf", alphaSnippet)
	ctx := context.Background()
	if _, err := sup.Recompose(ctx); err != nil {
		t.Fatal(err)
	}

	// A losing candidate leaves the composed routes, and therefore the
	// content hash, untouched. The conflict must still become visible.
	writeSnippet(t, cfg, "beta.conf", "location /a/ {\n    proxy_pass http://beta:4000;\n}\n")
	if _, err := sup.Recompose(ctx); err != nil {
		t.Fatal(err)
	}

	snap := reg.Current()
	if len(snap.Conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(snap.Conflicts))
	}
	if snap.Generation != 1 {
		t.Errorf("generation moved to %d without a reload", snap.Generation)
	}
	if rt, _ := reg.Route("/a/"); rt.Upstream != "alpha:3000" {
		t.Errorf("winner = %q, want alpha:3000", rt.Upstream)
	}

	// And the surfaced conflict is resolvable.
	key := snippet.RouteKey{Path: "/a/", Match: snippet.MatchPrefix}
	if _, err := sup.ResolveConflict(ctx, key, "beta.conf"); err != nil {
		t.Fatal(err)
	}
	if rt, _ := reg.Route("/a/"); rt.Upstream != "beta:4000" {
		t.Errorf("resolved winner = %q, want beta:4000", rt.Upstream)
	}
}

func TestWriteConfigRejectsReservedPath(t *testing.T) {
	sup, _, _ := newSupervisor(t, &scriptEngine{})

	_, err := sup.WriteConfig(context.Background(), "sneaky.conf",
		"location = / {\n    proxy_pass http://x:1;\n}\n")
	var apiErr *errs.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != "reserved-path" {
		t.Errorf("error = %v, want reserved-path", err)
	}
}

func TestInstallSnippetForbiddenForOverrides(t *testing.T) {
	sup, cfg, _ := newSupervisor(t, &scriptEngine{})
	override := filepath.Join(cfg.OverrideDir, "guard.conf")
	if err := os.WriteFile(override, []byte("location /g/ {\n    proxy_pass http://g:1;\n}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := sup.InstallSnippet(context.Background(), "guard", alphaSnippet)
	var apiErr *errs.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != "forbidden" {
		t.Errorf("error = %v, want forbidden", err)
	}
}

func TestResolveConflict(t *testing.T) {
	sup, cfg, reg := newSupervisor(t, &scriptEngine{})
	writeSnippet(t, cfg, "alpha.conf", alphaSnippet)
	writeSnippet(t, cfg, "beta.conf", "location /a/ {\n    proxy_pass http://beta:4000;\n}\n")
	ctx := context.Background()
	if _, err := sup.Recompose(ctx); err != nil {
		t.Fatal(err)
	}

	// First-wins: alpha sorts before beta.
	if rt, _ := reg.Route("/a/"); rt.Upstream != "alpha:3000" {
		t.Fatalf("winner = %q, want alpha:3000", rt.Upstream)
	}
	key := snippet.RouteKey{Path: "/a/", Match: snippet.MatchPrefix}

	if _, err := sup.ResolveConflict(ctx, key, "nothere.conf"); err == nil {
		t.Error("expected candidate-missing for unknown winner")
	}
	if _, err := sup.ResolveConflict(ctx, snippet.RouteKey{Path: "/z/", Match: snippet.MatchPrefix}, "beta.conf"); err == nil {
		t.Error("expected no-such-conflict for unconflicted key")
	}

	if _, err := sup.ResolveConflict(ctx, key, "beta.conf"); err != nil {
		t.Fatal(err)
	}
	if rt, _ := reg.Route("/a/"); rt.Upstream != "beta:4000" {
		t.Errorf("resolved winner = %q, want beta:4000", rt.Upstream)
	}
}

func TestRenameRoute(t *testing.T) {
	sup, cfg, reg := newSupervisor(t, &scriptEngine{})
	writeSnippet(t, cfg, "alpha.conf", alphaSnippet)
	ctx := context.Background()
	if _, err := sup.Recompose(ctx); err != nil {
		t.Fatal(err)
	}
	key := snippet.RouteKey{Path: "/a/", Match: snippet.MatchPrefix}

	if _, err := sup.RenameRoute(ctx, key, "/config/"); err == nil {
		t.Error("expected reserved-path rejection")
	}
	if _, err := sup.RenameRoute(ctx, key, "/a/"); err == nil {
		t.Error("expected collision with itself")
	}

	if _, err := sup.RenameRoute(ctx, key, "/alpha/a/"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Route("/a/"); ok {
		t.Error("old path still live")
	}
	if rt, ok := reg.Route("/alpha/a/"); !ok || rt.Upstream != "alpha:3000" {
		t.Errorf("renamed route = %+v ok=%v", rt, ok)
	}
	data, err := os.ReadFile(filepath.Join(cfg.SnippetDir, "alpha.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "location /alpha/a/ {") {
		t.Errorf("snippet not rewritten:\n%s", data)
	}
}

func TestDeleteConfig(t *testing.T) {
	sup, cfg, reg := newSupervisor(t, &scriptEngine{})
	writeSnippet(t, cfg, "alpha.conf", alphaSnippet)
	ctx := context.Background()
	if _, err := sup.Recompose(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := sup.DeleteConfig(ctx, "nothere.conf"); err == nil {
		t.Error("expected not-found for unknown config")
	}

	if _, err := sup.DeleteConfig(ctx, "alpha.conf"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Route("/a/"); ok {
		t.Error("route still live after delete")
	}
	if _, err := os.Stat(filepath.Join(cfg.SnippetDir, "alpha.conf")); !os.IsNotExist(err) {
		t.Error("snippet file still present")
	}
}

func TestWatchRecomposesOnFileChange(t *testing.T) {
	sup, cfg, reg := newSupervisor(t, &scriptEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sup.Watch(ctx)
	}()

	// Give the watcher a moment to register the directories.
	time.Sleep(100 * time.Millisecond)
	writeSnippet(t, cfg, "alpha.conf", alphaSnippet)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Route("/a/"); ok {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if _, ok := reg.Route("/a/"); !ok {
		t.Error("watcher never recomposed the new snippet")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("watcher did not stop on cancel")
	}
}
