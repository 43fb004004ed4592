// Package supervisor owns the commit pipeline. Every snippet change, whether
// from an operator, the watcher, or the healer, is serialized through
// compose, validate, and reload before it becomes live.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/api"
	"github.com/patchbay-proxy/patchbay/internal/compose"
	"github.com/patchbay-proxy/patchbay/internal/config"
	"github.com/patchbay-proxy/patchbay/internal/dataplane"
	errs "github.com/patchbay-proxy/patchbay/internal/errors"
	"github.com/patchbay-proxy/patchbay/internal/healer"
	"github.com/patchbay-proxy/patchbay/internal/logging"
	"github.com/patchbay-proxy/patchbay/internal/metrics"
	"github.com/patchbay-proxy/patchbay/internal/registry"
	"github.com/patchbay-proxy/patchbay/internal/resolution"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
	"github.com/patchbay-proxy/patchbay/internal/thoughts"
)

// Supervisor serializes all composition work behind one mutex.
type Supervisor struct {
	cfg      *config.Config
	composer *compose.Composer
	resols   *resolution.Store
	adapter  *dataplane.Adapter
	reg      *registry.Registry
	bus      *thoughts.Bus
	metrics  *metrics.Metrics

	mu         sync.Mutex
	generation uint64

	healer *healer.Engine
	heals  sync.WaitGroup
}

// New wires the pipeline together.
func New(cfg *config.Config, composer *compose.Composer, resols *resolution.Store, adapter *dataplane.Adapter, reg *registry.Registry, bus *thoughts.Bus, m *metrics.Metrics) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		composer: composer,
		resols:   resols,
		adapter:  adapter,
		reg:      reg,
		bus:      bus,
		metrics:  m,
	}
}

// AttachHealer connects the healing engine for escalation dispatch. Set once
// during startup.
func (s *Supervisor) AttachHealer(e *healer.Engine) { s.healer = e }

// Recompose runs the full pipeline from the current snippet directories.
func (s *Supervisor) Recompose(ctx context.Context) (api.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomposeLocked(ctx)
}

func (s *Supervisor) recomposeLocked(ctx context.Context) (api.CommitResult, error) {
	snippets, err := loadDir(s.cfg.SnippetDir)
	if err != nil {
		return api.CommitResult{}, err
	}
	overrides, err := loadDir(s.cfg.OverrideDir)
	if err != nil {
		return api.CommitResult{}, err
	}

	s.generation++
	art := s.composer.Compose(snippets, overrides, s.generation)

	changed, err := s.adapter.Apply(ctx, art)
	if err != nil {
		s.countComposition("rejected")
		return api.CommitResult{}, mapDataplaneErr(err)
	}
	if !changed {
		s.countComposition("unchanged")
		// Routes are identical to the live set, but conflicts and warnings
		// can still move when a losing candidate appears or disappears.
		// Refresh the view without burning a generation.
		view := *art
		view.Generation = s.reg.Generation()
		s.reg.Update(&view)
		return api.CommitResult{Generation: view.Generation, Warnings: art.Warnings}, nil
	}

	s.reg.Update(art)
	s.countComposition("applied")
	if s.metrics != nil {
		s.metrics.LiveGeneration.Set(float64(art.Generation))
	}
	if s.bus != nil {
		s.bus.Post(thoughts.KindStep, "",
			fmt.Sprintf("generation %d live: %d routes, %d conflicts, %d warnings",
				art.Generation, len(art.Routes), len(art.Conflicts), len(art.Warnings)),
			map[string]any{"hash": fmt.Sprintf("%016x", art.ContentHash)})
	}
	logging.Info("composition applied",
		zap.Uint64("generation", art.Generation),
		zap.Int("routes", len(art.Routes)),
		zap.Int("conflicts", len(art.Conflicts)),
	)
	return api.CommitResult{Generation: art.Generation, Warnings: art.Warnings}, nil
}

func (s *Supervisor) countComposition(outcome string) {
	if s.metrics != nil {
		s.metrics.CompositionsTotal.WithLabelValues(outcome).Inc()
	}
}

// mapDataplaneErr translates adapter failures into API error shapes.
func mapDataplaneErr(err error) error {
	switch {
	case errors.Is(err, dataplane.ErrValidationFailed):
		return errs.Wrap(errs.ErrValidationFailed, err)
	case errors.Is(err, dataplane.ErrReloadFailed):
		return errs.Wrap(errs.ErrReloadFailed, err)
	default:
		return err
	}
}

// loadDir parses every .conf snippet in a directory. A missing directory is
// an empty set.
func loadDir(dir string) ([]*snippet.Snippet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snippet dir: %w", err)
	}

	var out []*snippet.Snippet
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
			continue
		}
		snip, err := snippet.ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			logging.Warn("skipping unreadable snippet", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, snip)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

// commit writes one file and recomposes, restoring the previous content if
// the pipeline rejects the result.
func (s *Supervisor) commit(ctx context.Context, path, content string) (api.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed, err := readFile(path)
	if err != nil {
		return api.CommitResult{}, err
	}

	if err := writeFile(path, content); err != nil {
		return api.CommitResult{}, err
	}

	res, err := s.recomposeLocked(ctx)
	if err != nil {
		restore := prev
		if !existed {
			restore = ""
		}
		if rerr := writeFile(path, restore); rerr != nil {
			logging.Error("rollback write failed", zap.String("file", path), zap.Error(rerr))
		} else if _, rerr := s.recomposeLocked(ctx); rerr != nil {
			logging.Error("rollback recompose failed", zap.String("file", path), zap.Error(rerr))
		}
		return api.CommitResult{}, err
	}
	return res, nil
}

func readFile(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), true, nil
}

// writeFile writes atomically; empty content removes the file.
func writeFile(path, content string) error {
	if content == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// HandleEscalation runs a healing attempt for a route the scanner gave up
// on. Rate limiting lives in the engine.
func (s *Supervisor) HandleEscalation(routePath string) {
	if s.healer == nil {
		return
	}
	s.heals.Add(1)
	go func() {
		defer s.heals.Done()
		if _, err := s.healer.Heal(context.Background(), routePath, healer.HealOptions{}); err != nil {
			logging.Warn("escalated heal did not recover the route",
				zap.String("route", routePath),
				zap.Error(err),
			)
		}
	}()
}

// DrainHeals waits for in-flight healing attempts, up to timeout.
func (s *Supervisor) DrainHeals(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.heals.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logging.Warn("healing attempts still running at shutdown", zap.Duration("waited", timeout))
	}
}
