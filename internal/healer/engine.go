package healer

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/auditor"
	errs "github.com/patchbay-proxy/patchbay/internal/errors"
	"github.com/patchbay-proxy/patchbay/internal/logging"
	"github.com/patchbay-proxy/patchbay/internal/metrics"
	"github.com/patchbay-proxy/patchbay/internal/registry"
	"github.com/patchbay-proxy/patchbay/internal/scanner"
	"github.com/patchbay-proxy/patchbay/internal/thoughts"
)

// Verdict is the verification outcome of a healing attempt.
type Verdict string

const (
	VerdictPass         Verdict = "pass"
	VerdictFail         Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

const (
	// verifyProbes re-checks after a mutation, spaced verifyDelay apart.
	verifyProbes = 3
	verifyDelay  = 2 * time.Second

	// attemptRing bounds the retained attempt history.
	attemptRing = 64
)

// Attempt records one healing attempt for the attempts feed.
type Attempt struct {
	ID         string    `json:"id"`
	RoutePath  string    `json:"route_path"`
	Pattern    string    `json:"pattern,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	BeforeHash string    `json:"before_hash"`
	AfterHash  string    `json:"after_hash"`
	Verified   Verdict   `json:"verified"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Thought cursor range spanning the attempt's narrative.
	ThoughtsFrom uint64 `json:"thoughts_from"`
	ThoughtsTo   uint64 `json:"thoughts_to"`
}

// Prober issues on-demand probes for verification.
type Prober interface {
	ProbeNow(ctx context.Context, routePath string) (scanner.Report, *scanner.Report)
}

// Options configures an Engine.
type Options struct {
	// MaxStrategies bounds how many strategies one attempt may try.
	MaxStrategies int

	// AttemptDeadline bounds one whole attempt.
	AttemptDeadline time.Duration

	// RouteCooldown is the minimum spacing between attempts on one route.
	RouteCooldown time.Duration

	// VerifyDelay is the spacing between verification probes.
	VerifyDelay time.Duration
}

// HealOptions carries per-attempt evidence and intent.
type HealOptions struct {
	// Audit supplies browser findings gathered before the attempt.
	Audit *auditor.Result

	// OperatorRequested marks attempts started from the control API.
	OperatorRequested bool

	// ConflictLosingFile enables the rename strategy for a persistent
	// conflict the operator asked to repair.
	ConflictLosingFile string

	// AttemptID names the attempt when the caller needs the id before the
	// attempt runs. Empty means generate one.
	AttemptID string
}

// Engine runs healing attempts. One attempt per route at a time, with a
// cooldown between attempts on the same route.
type Engine struct {
	opts       Options
	pipeline   Pipeline
	reg        *registry.Registry
	prober     Prober
	bus        *thoughts.Bus
	metrics    *metrics.Metrics
	strategies []Strategy

	mu          sync.Mutex
	inFlight    map[string]bool
	lastAttempt map[string]time.Time
	attempts    []Attempt
}

// New creates an engine over the commit pipeline.
func New(opts Options, pipeline Pipeline, reg *registry.Registry, prober Prober, bus *thoughts.Bus, m *metrics.Metrics) *Engine {
	if opts.MaxStrategies <= 0 {
		opts.MaxStrategies = 3
	}
	if opts.AttemptDeadline <= 0 {
		opts.AttemptDeadline = time.Minute
	}
	if opts.RouteCooldown <= 0 {
		opts.RouteCooldown = 5 * time.Minute
	}
	if opts.VerifyDelay <= 0 {
		opts.VerifyDelay = verifyDelay
	}
	return &Engine{
		opts:        opts,
		pipeline:    pipeline,
		reg:         reg,
		prober:      prober,
		bus:         bus,
		metrics:     m,
		strategies:  catalog(),
		inFlight:    make(map[string]bool),
		lastAttempt: make(map[string]time.Time),
	}
}

// Attempts returns the retained attempt history, newest first.
func (e *Engine) Attempts() []Attempt {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Attempt, 0, len(e.attempts))
	for i := len(e.attempts) - 1; i >= 0; i-- {
		out = append(out, e.attempts[i])
	}
	return out
}

// Heal runs one attempt against a live route. It returns the attempt record
// and ErrHealExhausted when every applicable strategy failed to improve the
// route.
func (e *Engine) Heal(ctx context.Context, routePath string, opts HealOptions) (*Attempt, error) {
	rt, ok := e.reg.Route(routePath)
	if !ok {
		return nil, errs.WithDetails(errs.ErrNotFound, "no live route at "+routePath)
	}

	if err := e.acquire(routePath); err != nil {
		return nil, err
	}
	defer e.release(routePath)

	ctx, cancel := context.WithTimeout(ctx, e.opts.AttemptDeadline)
	defer cancel()

	id := opts.AttemptID
	if id == "" {
		id = uuid.NewString()
	}
	attempt := &Attempt{
		ID:           id,
		RoutePath:    routePath,
		BeforeHash:   fmt.Sprintf("%016x", e.pipeline.LiveHash()),
		StartedAt:    time.Now().UTC(),
		ThoughtsFrom: e.bus.Cursor() + 1,
	}

	local, external := e.prober.ProbeNow(ctx, routePath)
	env := buildEnv(rt, local, external, opts.Audit)
	env.OperatorRequested = opts.OperatorRequested
	if opts.ConflictLosingFile != "" {
		env.ConflictPersists = true
		env.LosingFile = opts.ConflictLosingFile
	}
	// Verification watches whichever origin was unhealthy at diagnosis.
	watchExternal := env.LocalSeverity == string(scanner.SeverityOK)

	e.bus.Post(thoughts.KindDiagnose, routePath,
		fmt.Sprintf("local %d (%s), external %s", env.LocalStatus, env.LocalSeverity, externalSummary(env)),
		map[string]any{"attempt": attempt.ID})

	matched, err := e.selectStrategies(env)
	if err != nil {
		e.finish(attempt, VerdictInconclusive)
		return attempt, err
	}
	if len(matched) == 0 {
		e.bus.Post(thoughts.KindResult, routePath, "no strategy matches the evidence; leaving the route untouched",
			map[string]any{"attempt": attempt.ID})
		e.finish(attempt, VerdictInconclusive)
		return attempt, errs.WithDetails(errs.ErrHealExhausted, "no applicable strategy")
	}

	for _, s := range matched {
		verdict, applied, err := e.tryStrategy(ctx, s, env, attempt, watchExternal)
		if err != nil && !applied {
			// Strategy could not produce a mutation; move on.
			e.bus.Post(thoughts.KindInfo, routePath, s.Name+": "+err.Error(),
				map[string]any{"attempt": attempt.ID})
			continue
		}
		attempt.Pattern = s.Pattern
		attempt.Strategy = s.Name
		if verdict == VerdictPass || verdict == VerdictInconclusive {
			e.finish(attempt, verdict)
			return attempt, nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	e.bus.Post(thoughts.KindResult, routePath, "healing exhausted; route left in its original state",
		map[string]any{"attempt": attempt.ID})
	e.finish(attempt, VerdictFail)
	return attempt, errs.WithDetails(errs.ErrHealExhausted, "tried "+fmt.Sprint(len(matched))+" strategies")
}

// selectStrategies evaluates the catalog in priority order, bounded by
// MaxStrategies.
func (e *Engine) selectStrategies(env *Env) ([]Strategy, error) {
	var matched []Strategy
	for _, s := range e.strategies {
		ok, err := s.Matches(env)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, s)
			if len(matched) == e.opts.MaxStrategies {
				break
			}
		}
	}
	return matched, nil
}

// tryStrategy applies one mutation, verifies it, and rolls it back on a fail
// verdict. applied reports whether a commit reached the dataplane.
func (e *Engine) tryStrategy(ctx context.Context, s Strategy, env *Env, attempt *Attempt, watchExternal bool) (Verdict, bool, error) {
	ch, err := s.apply(e.pipeline, env)
	if err != nil {
		return VerdictFail, false, err
	}

	e.bus.Post(thoughts.KindMutate, env.Path, s.Name+": "+ch.note,
		map[string]any{"attempt": attempt.ID, "file": ch.path})

	if err := e.pipeline.Commit(ctx, ch.path, ch.next); err != nil {
		// The pipeline restored the file itself; nothing reached the
		// dataplane.
		e.bus.Post(thoughts.KindError, env.Path, s.Name+": commit rejected: "+err.Error(),
			map[string]any{"attempt": attempt.ID})
		return VerdictFail, false, nil
	}
	attempt.AfterHash = fmt.Sprintf("%016x", e.pipeline.LiveHash())

	verdict := e.verify(ctx, env.Path, attempt, watchExternal)
	switch verdict {
	case VerdictPass:
		e.bus.Post(thoughts.KindResult, env.Path, s.Name+": route recovered",
			map[string]any{"attempt": attempt.ID})
	case VerdictInconclusive:
		e.bus.Post(thoughts.KindResult, env.Path, s.Name+": external origin unreachable, keeping the change",
			map[string]any{"attempt": attempt.ID})
	default:
		e.rollback(ctx, env.Path, ch, attempt)
	}
	return verdict, true, nil
}

// verify re-probes the route, up to verifyProbes times spaced verifyDelay
// apart, and classifies the outcome.
func (e *Engine) verify(ctx context.Context, routePath string, attempt *Attempt, watchExternal bool) Verdict {
	e.bus.Post(thoughts.KindVerify, routePath, "re-probing the route",
		map[string]any{"attempt": attempt.ID})

	verdict := VerdictFail
	probe := func() error {
		local, external := e.prober.ProbeNow(ctx, routePath)
		if watchExternal {
			if external == nil {
				verdict = VerdictInconclusive
				return nil
			}
			if external.Severity == scanner.SeverityOK {
				verdict = VerdictPass
				return nil
			}
		} else if local.Severity == scanner.SeverityOK {
			verdict = VerdictPass
			return nil
		}
		verdict = VerdictFail
		return fmt.Errorf("route %s still unhealthy", routePath)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.VerifyDelay), verifyProbes-1), ctx)
	_ = backoff.Retry(probe, policy)
	return verdict
}

// rollback restores the pre-mutation file content through the pipeline.
func (e *Engine) rollback(ctx context.Context, routePath string, ch change, attempt *Attempt) {
	restore := ch.prev
	if !ch.existed {
		restore = ""
	}
	if err := e.pipeline.Commit(ctx, ch.path, restore); err != nil {
		logging.Error("rollback failed",
			zap.String("route", routePath),
			zap.String("file", ch.path),
			zap.Error(err),
		)
		e.bus.Post(thoughts.KindError, routePath, "rollback failed: "+err.Error(),
			map[string]any{"attempt": attempt.ID, "file": ch.path})
		return
	}
	attempt.AfterHash = fmt.Sprintf("%016x", e.pipeline.LiveHash())
	e.bus.Post(thoughts.KindStep, routePath, "mutation rolled back",
		map[string]any{"attempt": attempt.ID, "file": ch.path})
}

func (e *Engine) acquire(routePath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[routePath] {
		return errs.New(http.StatusConflict, "heal-in-progress", "an attempt is already running for this route")
	}
	if last, ok := e.lastAttempt[routePath]; ok && time.Since(last) < e.opts.RouteCooldown {
		return errs.New(http.StatusTooManyRequests, "heal-cooldown", "route was attempted recently")
	}
	e.inFlight[routePath] = true
	e.lastAttempt[routePath] = time.Now()
	return nil
}

func (e *Engine) release(routePath string) {
	e.mu.Lock()
	delete(e.inFlight, routePath)
	e.mu.Unlock()
}

// finish stamps and records the attempt.
func (e *Engine) finish(attempt *Attempt, verdict Verdict) {
	attempt.Verified = verdict
	attempt.FinishedAt = time.Now().UTC()
	attempt.ThoughtsTo = e.bus.Cursor()
	if attempt.AfterHash == "" {
		attempt.AfterHash = attempt.BeforeHash
	}
	if e.metrics != nil {
		e.metrics.HealAttemptsTotal.WithLabelValues(string(verdict)).Inc()
	}

	e.mu.Lock()
	e.attempts = append(e.attempts, *attempt)
	if len(e.attempts) > attemptRing {
		e.attempts = append([]Attempt(nil), e.attempts[len(e.attempts)-attemptRing:]...)
	}
	e.mu.Unlock()
}

func externalSummary(env *Env) string {
	if !env.ExternalProbed {
		return "not probed (tunnel offline)"
	}
	return fmt.Sprintf("%d (%s)", env.ExternalStatus, env.ExternalSeverity)
}
