// Package dataplane stages, validates, and hot-reloads composed artifacts
// against the proxy engine.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/compose"
	"github.com/patchbay-proxy/patchbay/internal/logging"
)

// Generation lifecycle states.
type State string

const (
	StateDraft      State = "draft"
	StateValidating State = "validating"
	StateAccepted   State = "accepted"
	StateRejected   State = "rejected"
	StateLive       State = "live"
	StateSuperseded State = "superseded"
)

// Sentinel errors distinguishing the two commit failure modes.
var (
	ErrValidationFailed = errors.New("dataplane validation failed")
	ErrReloadFailed     = errors.New("dataplane reload failed")
)

// Engine is the opaque dataplane process. It accepts a config file on disk,
// validates it, and hot-reloads on signal.
type Engine interface {
	Validate(ctx context.Context, configPath string) error
	Reload(ctx context.Context, configPath string) error
}

// ExecEngine drives a dataplane binary in the nginx command convention:
// `binary -t -c <file>` validates, `binary -s reload` signals a reload.
type ExecEngine struct {
	Binary string
}

func (e *ExecEngine) Validate(ctx context.Context, configPath string) error {
	out, err := exec.CommandContext(ctx, e.Binary, "-t", "-c", configPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (e *ExecEngine) Reload(ctx context.Context, configPath string) error {
	out, err := exec.CommandContext(ctx, e.Binary, "-s", "reload").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Status is the adapter's externally visible state.
type Status struct {
	Generation     uint64    `json:"generation"`
	State          State     `json:"state"`
	LiveGeneration uint64    `json:"live_generation"`
	LiveHash       uint64    `json:"live_hash"`
	LastError      string    `json:"last_error,omitempty"`
	LastReloadAt   time.Time `json:"last_reload_at,omitempty"`
}

// Adapter owns the staging/active artifact files and the reload pipeline.
type Adapter struct {
	engine   Engine
	buildDir string
	timeout  time.Duration

	mu     sync.Mutex
	status Status
}

// NewAdapter creates an adapter writing artifacts under buildDir.
func NewAdapter(engine Engine, buildDir string, validateTimeout time.Duration) *Adapter {
	if validateTimeout <= 0 {
		validateTimeout = 10 * time.Second
	}
	return &Adapter{
		engine:   engine,
		buildDir: buildDir,
		timeout:  validateTimeout,
	}
}

// ActivePath returns the path of the live artifact file.
func (a *Adapter) ActivePath() string {
	return filepath.Join(a.buildDir, "composed.active")
}

// StagingPath returns the path artifacts are validated from.
func (a *Adapter) StagingPath() string {
	return filepath.Join(a.buildDir, "composed.staging")
}

// Status returns the current adapter state.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// LiveHash returns the content hash of the live generation.
func (a *Adapter) LiveHash() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status.LiveHash
}

// Apply runs one artifact through draft → validating → accepted → live.
// On validation failure the prior active artifact is untouched and the
// rejected artifact is preserved with the validator's diagnostic. Returns
// false when the artifact hash equals the live one and no reload happened.
func (a *Adapter) Apply(ctx context.Context, art *compose.Artifact) (bool, error) {
	a.mu.Lock()
	if a.status.LiveHash == art.ContentHash && a.status.LiveGeneration > 0 {
		a.mu.Unlock()
		logging.Debug("artifact unchanged, skipping reload",
			zap.Uint64("generation", art.Generation),
			zap.Uint64("hash", art.ContentHash),
		)
		return false, nil
	}
	a.status.Generation = art.Generation
	a.status.State = StateDraft
	a.mu.Unlock()

	if err := os.MkdirAll(a.buildDir, 0o755); err != nil {
		return false, a.fail(art, StateRejected, fmt.Errorf("create build dir: %w", err))
	}

	content := Render(art)
	if err := os.WriteFile(a.StagingPath(), []byte(content), 0o644); err != nil {
		return false, a.fail(art, StateRejected, fmt.Errorf("write staging artifact: %w", err))
	}

	a.setState(StateValidating)
	vctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.engine.Validate(vctx, a.StagingPath()); err != nil {
		a.preserveRejected(art.Generation, content, err)
		return false, a.fail(art, StateRejected, fmt.Errorf("%w: %v", ErrValidationFailed, err))
	}
	a.setState(StateAccepted)

	prevActive, prevErr := os.ReadFile(a.ActivePath())
	hadActive := prevErr == nil

	// Rename is atomic: the dataplane sees either the old or the new file.
	if err := os.Rename(a.StagingPath(), a.ActivePath()); err != nil {
		return false, a.fail(art, StateRejected, fmt.Errorf("activate artifact: %w", err))
	}

	rctx, cancel2 := context.WithTimeout(ctx, a.timeout)
	defer cancel2()
	if err := a.engine.Reload(rctx, a.ActivePath()); err != nil {
		// Reload failure is treated as validation failure for rollback
		// purposes: the caller must not consider this generation live, and
		// the on-disk active file must match what the dataplane still serves.
		a.restoreActive(prevActive, hadActive)
		return false, a.fail(art, StateRejected, fmt.Errorf("%w: %v", ErrReloadFailed, err))
	}

	a.mu.Lock()
	a.status.State = StateLive
	a.status.LiveGeneration = art.Generation
	a.status.LiveHash = art.ContentHash
	a.status.LastError = ""
	a.status.LastReloadAt = time.Now().UTC()
	a.mu.Unlock()

	logging.Info("dataplane reloaded",
		zap.Uint64("generation", art.Generation),
		zap.Uint64("hash", art.ContentHash),
		zap.Int("routes", len(art.Routes)),
	)
	return true, nil
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.status.State = s
	a.mu.Unlock()
}

func (a *Adapter) fail(art *compose.Artifact, s State, err error) error {
	a.mu.Lock()
	a.status.State = s
	a.status.LastError = err.Error()
	a.mu.Unlock()
	logging.Error("artifact rejected",
		zap.Uint64("generation", art.Generation),
		zap.Error(err),
	)
	return err
}

// restoreActive puts the prior active artifact back after a failed reload.
func (a *Adapter) restoreActive(prev []byte, had bool) {
	if !had {
		if err := os.Remove(a.ActivePath()); err != nil && !os.IsNotExist(err) {
			logging.Warn("could not remove failed artifact", zap.Error(err))
		}
		return
	}
	if err := os.WriteFile(a.ActivePath(), prev, 0o644); err != nil {
		logging.Warn("could not restore active artifact", zap.Error(err))
	}
}

// preserveRejected keeps the failed artifact and diagnostic for inspection.
func (a *Adapter) preserveRejected(generation uint64, content string, verr error) {
	name := filepath.Join(a.buildDir, fmt.Sprintf("composed.rejected-%d", generation))
	body := content + "\n# validation error:\n# " + strings.ReplaceAll(verr.Error(), "\n", "\n# ") + "\n"
	if err := os.WriteFile(name, []byte(body), 0o644); err != nil {
		logging.Warn("could not preserve rejected artifact", zap.Error(err))
	}
}
