// Package api serves the control surface: read-only JSON views, the thought
// stream, and session-gated mutations that run through the commit pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/patchbay-proxy/patchbay/internal/auditor"
	"github.com/patchbay-proxy/patchbay/internal/compose"
	errs "github.com/patchbay-proxy/patchbay/internal/errors"
	"github.com/patchbay-proxy/patchbay/internal/healer"
	"github.com/patchbay-proxy/patchbay/internal/logging"
	"github.com/patchbay-proxy/patchbay/internal/metrics"
	"github.com/patchbay-proxy/patchbay/internal/registry"
	"github.com/patchbay-proxy/patchbay/internal/scanner"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
	"github.com/patchbay-proxy/patchbay/internal/thoughts"
)

// CommitResult is what a pipeline mutation reports back to the client.
type CommitResult struct {
	Generation uint64            `json:"generation"`
	Warnings   []compose.Warning `json:"warnings,omitempty"`
}

// Controller is the commit pipeline surface the API mutates through. Every
// write composes, validates, and reloads before it is acknowledged.
type Controller interface {
	InstallSnippet(ctx context.Context, name, content string) (CommitResult, error)
	WriteConfig(ctx context.Context, file, content string) (CommitResult, error)
	DeleteConfig(ctx context.Context, file string) (CommitResult, error)
	ReadConfig(file string) (string, error)
	ListConfigs() []string
	ResolveConflict(ctx context.Context, key snippet.RouteKey, winnerFile string) (CommitResult, error)
	RenameRoute(ctx context.Context, key snippet.RouteKey, newPath string) (CommitResult, error)
}

// Options tunes the server.
type Options struct {
	SessionSecret   string
	SessionPassword string
	SessionTTL      time.Duration

	// LocalOrigin is the dataplane base URL, used to form audit targets.
	LocalOrigin string

	// ThoughtsIdle bounds a thoughts long-poll with no new events.
	ThoughtsIdle time.Duration
}

// Server is the control API.
type Server struct {
	opts     Options
	reg      *registry.Registry
	reports  *scanner.ReportStore
	bus      *thoughts.Bus
	healer   *healer.Engine
	auditor  *auditor.Auditor
	metrics  *metrics.Metrics
	control  Controller
	sessions *sessions
	started  time.Time

	router *httprouter.Router
}

// New assembles the server and its routes.
func New(opts Options, reg *registry.Registry, reports *scanner.ReportStore, bus *thoughts.Bus, eng *healer.Engine, aud *auditor.Auditor, m *metrics.Metrics, ctrl Controller) *Server {
	if opts.ThoughtsIdle <= 0 {
		opts.ThoughtsIdle = 25 * time.Second
	}
	s := &Server{
		opts:     opts,
		reg:      reg,
		reports:  reports,
		bus:      bus,
		healer:   eng,
		auditor:  aud,
		metrics:  m,
		control:  ctrl,
		sessions: newSessions(opts.SessionSecret, opts.SessionPassword, opts.SessionTTL),
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *httprouter.Router {
	r := httprouter.New()

	r.POST("/login", s.handleLogin)

	r.GET("/health.json", s.handleHealth)
	r.GET("/status.json", s.handleStatus)
	r.GET("/routes.json", s.handleRoutes)
	r.GET("/conflicts.json", s.handleConflicts)
	r.GET("/attempts.json", s.handleAttempts)
	r.GET("/ai/thoughts", s.handleThoughts)
	if s.metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.GET("/configs.json", s.protect(s.handleListConfigs))
	r.POST("/apps/install", s.protect(s.handleInstall))
	r.POST("/apps/create-route", s.protect(s.handleCreateRoute))
	r.GET("/config/:file", s.protect(s.handleReadConfig))
	r.POST("/config/:file", s.protect(s.handleWriteConfig))
	r.POST("/config/:file/delete", s.protect(s.handleDeleteConfig))
	r.POST("/resolve-conflict", s.protect(s.handleResolveConflict))
	r.POST("/rename-route", s.protect(s.handleRenameRoute))
	r.POST("/ai/audit", s.protect(s.handleAudit))
	r.POST("/ai/audit-and-heal", s.protect(s.handleAuditAndHeal))
	r.POST("/ai/advanced-heal", s.protect(s.handleAdvancedHeal))

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// protect gates a handler behind a valid operator session.
func (s *Server) protect(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if err := s.sessions.authenticate(r); err != nil {
			errs.ErrAuth.WriteJSON(w)
			return
		}
		h(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("encode response", zap.Error(err))
	}
}

// fail maps an error onto the API's JSON error shape.
func fail(w http.ResponseWriter, err error) {
	var apiErr *errs.APIError
	if errors.As(err, &apiErr) {
		apiErr.WriteJSON(w)
		return
	}
	errs.Wrap(errs.New(http.StatusInternalServerError, "internal", "internal error"), err).WriteJSON(w)
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.ErrValidation, err)
	}
	return nil
}
