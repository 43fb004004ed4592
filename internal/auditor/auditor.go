// Package auditor adapts a headless-browser probe into structured findings
// the healing engine can pattern-match.
package auditor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/logging"
	"github.com/patchbay-proxy/patchbay/internal/tunnel"
)

// Request describes one audit run.
type Request struct {
	URL       string `json:"url"`
	TimeoutMs int    `json:"timeout_ms"`
	WaitMs    int    `json:"wait_ms"`
}

// Finding is one normalized issue from the probe.
type Finding struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Resource string `json:"resource,omitempty"`
	Status   int    `json:"status,omitempty"`
}

// Result is the structured audit outcome.
type Result struct {
	URL             string    `json:"url"`
	ConsoleErrors   []string  `json:"console_errors"`
	NetworkFailures []Finding `json:"network_failures"`
	HTTPIssues      []Finding `json:"http_issues"`
	Summary         string    `json:"summary"`
	TimedOut        bool      `json:"timed_out,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
}

// HasMixedContent reports whether any finding indicates HTTP subresources on
// an HTTPS page.
func (r *Result) HasMixedContent() bool {
	for _, f := range append(r.NetworkFailures, r.HTTPIssues...) {
		if f.Type == "mixed-content" {
			return true
		}
	}
	return false
}

// Runner executes the browser probe and returns its raw JSON output.
type Runner interface {
	Run(ctx context.Context, req Request) ([]byte, error)
}

// ExecRunner runs the probe as a subprocess, either directly or inside a
// container. A container start failure falls back to local mode.
type ExecRunner struct {
	// Binary is the local probe command.
	Binary string

	// Sandboxed selects container execution with Image.
	Sandboxed bool
	Image     string
}

func (e *ExecRunner) Run(ctx context.Context, req Request) ([]byte, error) {
	args := []string{
		"--url", req.URL,
		"--timeout-ms", strconv.Itoa(req.TimeoutMs),
		"--wait-ms", strconv.Itoa(req.WaitMs),
	}

	if e.Sandboxed {
		dockerArgs := append([]string{"run", "--rm", "--network", "host", e.Image}, args...)
		out, err := exec.CommandContext(ctx, "docker", dockerArgs...).Output()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Warn("sandboxed auditor failed, falling back to local", zap.Error(err))
	}

	binary := e.Binary
	if binary == "" {
		binary = "patchbay-audit"
	}
	out, err := exec.CommandContext(ctx, binary, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("auditor probe: %w", err)
	}
	return out, nil
}

// Options configures an Auditor.
type Options struct {
	Timeout time.Duration
	WaitMs  int
}

// Auditor launches audits against the externally-reachable form of a route.
type Auditor struct {
	runner  Runner
	tun     *tunnel.Resolver
	timeout time.Duration
	waitMs  int
}

// New creates an auditor. tun may be nil to audit internal URLs as-is.
func New(runner Runner, tun *tunnel.Resolver, opts Options) *Auditor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Emulated architectures run browsers far slower.
	if runtime.GOARCH != "amd64" {
		timeout *= 3
	}
	waitMs := opts.WaitMs
	if waitMs <= 0 {
		waitMs = 2000
	}
	return &Auditor{runner: runner, tun: tun, timeout: timeout, waitMs: waitMs}
}

// Audit probes one URL and normalizes the findings. The hard deadline always
// holds: on expiry a timed-out result is returned, never a hang.
func (a *Auditor) Audit(ctx context.Context, internalURL string) (*Result, error) {
	target := internalURL
	if a.tun != nil {
		target, _ = a.tun.Translate(ctx, internalURL)
	}

	runCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.runner.Run(runCtx, Request{
		URL:       target,
		TimeoutMs: int(a.timeout.Milliseconds()),
		WaitMs:    a.waitMs,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil {
			return &Result{
				URL:        target,
				Summary:    "audit timed out",
				TimedOut:   true,
				FinishedAt: time.Now().UTC(),
			}, nil
		}
		return nil, err
	}

	return normalize(target, raw), nil
}

// normalize maps the probe's JSON into a Result.
func normalize(url string, raw []byte) *Result {
	res := &Result{URL: url, FinishedAt: time.Now().UTC()}

	doc := gjson.ParseBytes(raw)
	for _, v := range doc.Get("console_errors").Array() {
		res.ConsoleErrors = append(res.ConsoleErrors, v.String())
	}
	for _, v := range doc.Get("network_failures").Array() {
		res.NetworkFailures = append(res.NetworkFailures, Finding{
			Type:     classifyFailure(v.Get("error").String(), v.Get("url").String()),
			Message:  v.Get("error").String(),
			Resource: v.Get("url").String(),
		})
	}
	for _, v := range doc.Get("http_issues").Array() {
		res.HTTPIssues = append(res.HTTPIssues, Finding{
			Type:     "http-" + v.Get("status").String(),
			Message:  v.Get("error").String(),
			Resource: v.Get("url").String(),
			Status:   int(v.Get("status").Int()),
		})
	}
	res.Summary = doc.Get("summary").String()
	if res.Summary == "" {
		res.Summary = fmt.Sprintf("%d console errors, %d network failures, %d http issues",
			len(res.ConsoleErrors), len(res.NetworkFailures), len(res.HTTPIssues))
	}
	return res
}

func classifyFailure(message, resource string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "mixed content"),
		strings.HasPrefix(resource, "http://") && strings.Contains(lower, "blocked"):
		return "mixed-content"
	case strings.Contains(message, "net::ERR_NAME_NOT_RESOLVED"):
		return "dns"
	case strings.Contains(message, "net::ERR_CONNECTION"):
		return "connection"
	default:
		return "network"
	}
}
