package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/patchbay-proxy/patchbay/internal/api"
	"github.com/patchbay-proxy/patchbay/internal/compose"
	errs "github.com/patchbay-proxy/patchbay/internal/errors"
	"github.com/patchbay-proxy/patchbay/internal/resolution"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

// ReadFile implements the healer's pipeline view of snippet files.
func (s *Supervisor) ReadFile(path string) (string, bool, error) {
	return readFile(path)
}

// Commit is the healer's mutation entry point.
func (s *Supervisor) Commit(ctx context.Context, path, content string) error {
	_, err := s.commit(ctx, path, content)
	return err
}

// OverridePath maps an override name into the override directory.
func (s *Supervisor) OverridePath(name string) string {
	return filepath.Join(s.cfg.OverrideDir, name)
}

// LiveHash returns the live artifact's content hash.
func (s *Supervisor) LiveHash() uint64 {
	return s.adapter.LiveHash()
}

// InstallSnippet validates and installs an app's snippet, then recomposes.
func (s *Supervisor) InstallSnippet(ctx context.Context, name, content string) (api.CommitResult, error) {
	file := name + ".conf"
	if _, err := os.Stat(filepath.Join(s.cfg.OverrideDir, file)); err == nil {
		return api.CommitResult{}, errs.WithDetails(errs.ErrForbidden,
			file+" is operator-owned; edit it through /config/"+file)
	}
	parsed := snippet.Parse(file, content)
	if err := s.validateSnippet(parsed, file); err != nil {
		return api.CommitResult{}, err
	}
	return s.commit(ctx, filepath.Join(s.cfg.SnippetDir, file), content)
}

// validateSnippet rejects content that could never compose cleanly.
func (s *Supervisor) validateSnippet(parsed *snippet.Snippet, file string) error {
	if len(parsed.Errors) > 0 {
		e := parsed.Errors[0]
		return errs.WithDetails(errs.ErrParse, fmt.Sprintf("line %d: %s", e.Line, e.Message))
	}
	if len(parsed.Routes) == 0 {
		return errs.WithDetails(errs.ErrValidation, "snippet declares no routes")
	}
	for _, rt := range parsed.Routes {
		if compose.Reserved(rt.Path) {
			return errs.WithDetails(errs.ErrReservedPath, rt.Path+" is reserved for the control plane")
		}
	}
	for _, rt := range parsed.Routes {
		live, ok := s.reg.Route(rt.Path)
		if ok && live.Match == rt.Match && filepath.Base(live.SourceFile) != file {
			return errs.WithDetails(errs.ErrConflictWouldOccur,
				fmt.Sprintf("%s is already claimed by %s", rt.Path, filepath.Base(live.SourceFile)))
		}
	}
	return nil
}

// resolveConfig maps a bare file name onto the snippet or override dir.
func (s *Supervisor) resolveConfig(file string) (string, bool) {
	for _, dir := range []string{s.cfg.SnippetDir, s.cfg.OverrideDir} {
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return filepath.Join(s.cfg.SnippetDir, file), false
}

// ReadConfig returns a snippet file's content.
func (s *Supervisor) ReadConfig(file string) (string, error) {
	path, exists := s.resolveConfig(file)
	if !exists {
		return "", errs.WithDetails(errs.ErrNotFound, "no config named "+file)
	}
	content, _, err := readFile(path)
	return content, err
}

// ListConfigs returns the editable snippet and override file names.
func (s *Supervisor) ListConfigs() []string {
	var out []string
	for _, dir := range []string{s.cfg.SnippetDir, s.cfg.OverrideDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".conf") {
				out = append(out, e.Name())
			}
		}
	}
	sort.Strings(out)
	return out
}

// WriteConfig replaces a snippet file's content through the pipeline.
func (s *Supervisor) WriteConfig(ctx context.Context, file, content string) (api.CommitResult, error) {
	parsed := snippet.Parse(file, content)
	if len(parsed.Errors) > 0 {
		e := parsed.Errors[0]
		return api.CommitResult{}, errs.WithDetails(errs.ErrParse, fmt.Sprintf("line %d: %s", e.Line, e.Message))
	}
	for _, rt := range parsed.Routes {
		if compose.Reserved(rt.Path) {
			return api.CommitResult{}, errs.WithDetails(errs.ErrReservedPath, rt.Path+" is reserved for the control plane")
		}
	}
	path, _ := s.resolveConfig(file)
	return s.commit(ctx, path, content)
}

// DeleteConfig removes a snippet file through the pipeline.
func (s *Supervisor) DeleteConfig(ctx context.Context, file string) (api.CommitResult, error) {
	path, exists := s.resolveConfig(file)
	if !exists {
		return api.CommitResult{}, errs.WithDetails(errs.ErrNotFound, "no config named "+file)
	}
	return s.commit(ctx, path, "")
}

// ResolveConflict pins a winner for a conflicted route key and recomposes.
func (s *Supervisor) ResolveConflict(ctx context.Context, key snippet.RouteKey, winnerFile string) (api.CommitResult, error) {
	conflict, ok := s.findConflict(key)
	if !ok {
		return api.CommitResult{}, errs.WithDetails(errs.ErrNoSuchConflict, "no conflict at "+key.String())
	}

	winner := ""
	for _, cand := range conflict.Candidates {
		if cand.SourceFile == winnerFile || filepath.Base(cand.SourceFile) == winnerFile {
			winner = cand.SourceFile
			break
		}
	}
	if winner == "" {
		return api.CommitResult{}, errs.WithDetails(errs.ErrCandidateMissing,
			winnerFile+" is not a candidate for "+key.String())
	}

	if err := s.resols.Set(key, winner, resolution.StrategyManual); err != nil {
		return api.CommitResult{}, err
	}
	return s.Recompose(ctx)
}

func (s *Supervisor) findConflict(key snippet.RouteKey) (compose.Conflict, bool) {
	for _, c := range s.reg.Current().Conflicts {
		if c.Key == key {
			return c, true
		}
	}
	return compose.Conflict{}, false
}

// RenameRoute moves a live route to a new path by rewriting its snippet.
func (s *Supervisor) RenameRoute(ctx context.Context, key snippet.RouteKey, newPath string) (api.CommitResult, error) {
	if compose.Reserved(newPath) {
		return api.CommitResult{}, errs.WithDetails(errs.ErrReservedPath, newPath+" is reserved for the control plane")
	}
	for _, live := range s.reg.Routes() {
		if live.Path == newPath {
			return api.CommitResult{}, errs.WithDetails(errs.ErrCollision, newPath+" is already claimed")
		}
	}

	var target snippet.Route
	found := false
	for _, live := range s.reg.Routes() {
		if live.Key() == key {
			target = live
			found = true
			break
		}
	}
	if !found {
		return api.CommitResult{}, errs.WithDetails(errs.ErrNotFound, "no live route at "+key.String())
	}

	content, exists, err := readFile(target.SourceFile)
	if err != nil {
		return api.CommitResult{}, err
	}
	if !exists {
		return api.CommitResult{}, errs.WithDetails(errs.ErrNotFound, "snippet "+target.SourceFile+" is gone")
	}

	parsed := snippet.Parse(target.SourceFile, content)
	renamed := false
	for i := range parsed.Routes {
		if parsed.Routes[i].Key() == key {
			parsed.Routes[i].Path = newPath
			renamed = true
		}
	}
	if !renamed {
		return api.CommitResult{}, errs.WithDetails(errs.ErrNotFound, key.String()+" not present in its snippet")
	}

	// A rename that settles a conflict is recorded so the surviving
	// candidate stays pinned.
	if conflict, ok := s.findConflict(key); ok {
		for _, cand := range conflict.Candidates {
			if cand.SourceFile != target.SourceFile {
				_ = s.resols.Set(key, cand.SourceFile, resolution.StrategyRenamed)
				break
			}
		}
	}

	return s.commit(ctx, target.SourceFile, snippet.Emit(parsed))
}
