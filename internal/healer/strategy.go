package healer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

// Pipeline is the commit path every mutation travels: write, compose,
// validate, reload, rolled back by the pipeline itself if the dataplane
// rejects the result. The healer never touches files directly.
type Pipeline interface {
	// ReadFile returns the current content of a snippet or override file.
	ReadFile(path string) (content string, exists bool, err error)

	// Commit writes content and runs the composition pipeline. Empty
	// content removes the file.
	Commit(ctx context.Context, path, content string) error

	// OverridePath maps an override file name into the override directory.
	OverridePath(name string) string

	// LiveHash is the content hash of the currently live artifact.
	LiveHash() uint64
}

// errNotApplicable means the strategy's pattern matched but the concrete
// mutation would be a no-op (e.g. the directive is already present).
var errNotApplicable = errors.New("strategy not applicable")

// change is one planned file mutation with enough state to undo it.
type change struct {
	path    string
	next    string
	prev    string
	existed bool
	note    string
}

// Strategy pairs a diagnostic pattern with a single reversible mutation.
type Strategy struct {
	Name    string
	Pattern string
	program *vm.Program

	apply func(p Pipeline, env *Env) (change, error)
}

// Matches evaluates the strategy's pattern against the evidence.
func (s *Strategy) Matches(env *Env) (bool, error) {
	out, err := expr.Run(s.program, *env)
	if err != nil {
		return false, fmt.Errorf("strategy %s: %w", s.Name, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("strategy %s: pattern did not return bool", s.Name)
	}
	return matched, nil
}

// compile builds the pattern program. Patterns are static, so a compile
// failure is a programming error.
func compile(pattern string) *vm.Program {
	program, err := expr.Compile(pattern, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		panic(fmt.Sprintf("healer: bad strategy pattern %q: %v", pattern, err))
	}
	return program
}

// catalog returns the strategies in priority order. At most one mutation is
// live at a time; the engine verifies each before moving on.
func catalog() []Strategy {
	list := []Strategy{
		{
			Name:    "ensure-prefix-preserved",
			Pattern: `StripPrefix && (ConsoleSyntaxError || (LocalBody == "html" && LocalSeverity != "ok"))`,
			apply: func(p Pipeline, env *Env) (change, error) {
				return mutateRoute(p, env, "stop stripping the route prefix before proxying",
					func(r *snippet.Route) error {
						r.Flags.StripPrefix = false
						return nil
					})
			},
		},
		{
			Name:    "force-relative-redirects",
			Pattern: `ExternalProbed && hasPrefix(ExternalLocation, "http://")`,
			apply: func(p Pipeline, env *Env) (change, error) {
				return writeOverride(p, env, "override the route with relative redirects",
					func(r *snippet.Route) {
						r.Flags.RedirectPolicy = snippet.RedirectRelative
					})
			},
		},
		{
			Name:    "preserve-proto-https",
			Pattern: `ExternalProbed && ForwardedProto != "https" && (MixedContent || hasPrefix(LocalLocation, "http://"))`,
			apply: func(p Pipeline, env *Env) (change, error) {
				return mutateRoute(p, env, "forward X-Forwarded-Proto https to the app",
					func(r *snippet.Route) error {
						r.Flags.ForwardedProto = "https"
						return nil
					})
			},
		},
		{
			Name:    "ws-headers",
			Pattern: `!WebSocket && LocalStatus == 426`,
			apply: func(p Pipeline, env *Env) (change, error) {
				return mutateRoute(p, env, "add websocket upgrade headers",
					func(r *snippet.Route) error {
						r.Flags.WebSocket = true
						return nil
					})
			},
		},
		{
			Name:    "forwarded-prefix",
			Pattern: `!ForwardedPrefix && LocalBody == "html" && (ConsoleSyntaxError || (ExternalProbed && ExternalSeverity != "ok"))`,
			apply: func(p Pipeline, env *Env) (change, error) {
				return mutateRoute(p, env, "announce the mount prefix via X-Forwarded-Prefix",
					func(r *snippet.Route) error {
						r.Flags.ForwardedPrefix = true
						return nil
					})
			},
		},
		{
			Name:    "upstream-resilience",
			Pattern: `DNSFailure || LocalStatus == 502 || LocalStatus == 503`,
			apply: func(p Pipeline, env *Env) (change, error) {
				const directive = "proxy_next_upstream error timeout http_502 http_503;"
				return mutateRoute(p, env, "retry the upstream on transient errors",
					func(r *snippet.Route) error {
						for _, raw := range r.Extra {
							if raw == directive {
								return errNotApplicable
							}
						}
						r.Extra = append(r.Extra, directive)
						return nil
					})
			},
		},
		{
			Name:    "rename-on-conflict",
			Pattern: `ConflictPersists && OperatorRequested && LosingFile != ""`,
			apply:   renameLosingRoute,
		},
	}
	for i := range list {
		list[i].program = compile(list[i].Pattern)
	}
	return list
}

// mutateRoute plans an in-place edit of the route's own snippet file.
func mutateRoute(p Pipeline, env *Env, note string, mutate func(*snippet.Route) error) (change, error) {
	content, exists, err := p.ReadFile(env.SourceFile)
	if err != nil {
		return change{}, err
	}
	if !exists {
		return change{}, fmt.Errorf("snippet %s vanished", env.SourceFile)
	}

	snip := snippet.Parse(env.SourceFile, content)
	found := false
	for i := range snip.Routes {
		r := &snip.Routes[i]
		if r.Path == env.Path && string(r.Match) == env.Match {
			if err := mutate(r); err != nil {
				return change{}, err
			}
			found = true
			break
		}
	}
	if !found {
		return change{}, fmt.Errorf("route %s not found in %s", env.Path, env.SourceFile)
	}

	return change{
		path:    env.SourceFile,
		next:    snippet.Emit(snip),
		prev:    content,
		existed: true,
		note:    note,
	}, nil
}

// writeOverride plans an override snippet carrying a modified copy of the
// route. Overrides outrank app snippets, so the copy wins composition.
func writeOverride(p Pipeline, env *Env, note string, mutate func(*snippet.Route)) (change, error) {
	rt := snippet.Route{
		Path:     env.Path,
		Match:    snippet.MatchKind(env.Match),
		Upstream: env.Upstream,
		Flags: snippet.Flags{
			StripPrefix:     env.StripPrefix,
			WebSocket:       env.WebSocket,
			ForwardedPrefix: env.ForwardedPrefix,
			ForwardedProto:  env.ForwardedProto,
			RedirectPolicy:  snippet.RedirectPolicy(env.RedirectPolicy),
		},
	}
	mutate(&rt)

	app := appName(env.SourceFile)
	path := p.OverridePath("heal-" + app + ".conf")
	prev, existed, err := p.ReadFile(path)
	if err != nil {
		return change{}, err
	}

	return change{
		path:    path,
		next:    fmt.Sprintf("# app: %s\n%s", app, snippet.EmitRoute(rt)),
		prev:    prev,
		existed: existed,
		note:    note,
	}, nil
}

// renameLosingRoute moves the losing snippet's conflicting route under a
// unique app-derived prefix.
func renameLosingRoute(p Pipeline, env *Env) (change, error) {
	content, exists, err := p.ReadFile(env.LosingFile)
	if err != nil {
		return change{}, err
	}
	if !exists {
		return change{}, fmt.Errorf("losing snippet %s vanished", env.LosingFile)
	}

	app := appName(env.LosingFile)
	renamed := "/" + app + env.Path

	snip := snippet.Parse(env.LosingFile, content)
	found := false
	for i := range snip.Routes {
		r := &snip.Routes[i]
		if r.Path == env.Path && string(r.Match) == env.Match {
			r.Path = renamed
			found = true
		}
	}
	if !found {
		return change{}, fmt.Errorf("route %s not found in %s", env.Path, env.LosingFile)
	}

	return change{
		path:    env.LosingFile,
		next:    snippet.Emit(snip),
		prev:    content,
		existed: true,
		note:    "rename the losing route to " + renamed,
	}, nil
}

func appName(file string) string {
	return strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
}
