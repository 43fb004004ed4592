// Package healer diagnoses failing routes and repairs them through the same
// commit pipeline operators use, one reversible mutation at a time.
package healer

import (
	"strings"

	"github.com/patchbay-proxy/patchbay/internal/auditor"
	"github.com/patchbay-proxy/patchbay/internal/scanner"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

// Env is the evidence a strategy pattern is evaluated against. Fields are
// exported for the expression compiler.
type Env struct {
	// Route under diagnosis.
	Path            string `expr:"Path"`
	Match           string `expr:"Match"`
	Upstream        string `expr:"Upstream"`
	SourceFile      string `expr:"SourceFile"`
	StripPrefix     bool   `expr:"StripPrefix"`
	WebSocket       bool   `expr:"WebSocket"`
	ForwardedPrefix bool   `expr:"ForwardedPrefix"`
	ForwardedProto  string `expr:"ForwardedProto"`
	RedirectPolicy  string `expr:"RedirectPolicy"`

	// Latest local probe.
	LocalStatus   int    `expr:"LocalStatus"`
	LocalSeverity string `expr:"LocalSeverity"`
	LocalBody     string `expr:"LocalBody"`
	LocalLocation string `expr:"LocalLocation"`
	LocalError    string `expr:"LocalError"`

	// Latest external probe. ExternalProbed is false while the tunnel is
	// offline, in which case the other External fields are zero.
	ExternalProbed   bool   `expr:"ExternalProbed"`
	ExternalHTTPS    bool   `expr:"ExternalHTTPS"`
	ExternalStatus   int    `expr:"ExternalStatus"`
	ExternalSeverity string `expr:"ExternalSeverity"`
	ExternalBody     string `expr:"ExternalBody"`
	ExternalLocation string `expr:"ExternalLocation"`
	ExternalError    string `expr:"ExternalError"`

	// Browser audit evidence, zero when no audit ran.
	MixedContent       bool `expr:"MixedContent"`
	ConsoleSyntaxError bool `expr:"ConsoleSyntaxError"`
	DNSFailure         bool `expr:"DNSFailure"`

	// Conflict repair is operator-initiated, never probe-triggered.
	ConflictPersists  bool   `expr:"ConflictPersists"`
	OperatorRequested bool   `expr:"OperatorRequested"`
	LosingFile        string `expr:"LosingFile"`
}

// buildEnv assembles the evidence for one route from the probe reports and an
// optional browser audit.
func buildEnv(rt snippet.Route, local scanner.Report, external *scanner.Report, audit *auditor.Result) *Env {
	env := &Env{
		Path:            rt.Path,
		Match:           string(rt.Match),
		Upstream:        rt.Upstream,
		SourceFile:      rt.SourceFile,
		StripPrefix:     rt.Flags.StripPrefix,
		WebSocket:       rt.Flags.WebSocket,
		ForwardedPrefix: rt.Flags.ForwardedPrefix,
		ForwardedProto:  rt.Flags.ForwardedProto,
		RedirectPolicy:  string(rt.Flags.RedirectPolicy),

		LocalStatus:   local.StatusCode,
		LocalSeverity: string(local.Severity),
		LocalBody:     local.BodySignature,
		LocalLocation: local.Location,
		LocalError:    local.Error,
	}

	if external != nil {
		env.ExternalProbed = true
		env.ExternalHTTPS = true
		env.ExternalStatus = external.StatusCode
		env.ExternalSeverity = string(external.Severity)
		env.ExternalBody = external.BodySignature
		env.ExternalLocation = external.Location
		env.ExternalError = external.Error
	}

	if audit != nil {
		env.MixedContent = audit.HasMixedContent()
		for _, msg := range audit.ConsoleErrors {
			if strings.Contains(msg, "SyntaxError") {
				env.ConsoleSyntaxError = true
			}
		}
		for _, f := range audit.NetworkFailures {
			if f.Type == "dns" {
				env.DNSFailure = true
			}
		}
	}
	if strings.Contains(local.Error, "no such host") {
		env.DNSFailure = true
	}
	return env
}
