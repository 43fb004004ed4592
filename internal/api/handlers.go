package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/patchbay-proxy/patchbay/internal/thoughts"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}

	token, expires, err := s.sessions.login(req.Password)
	if err != nil {
		fail(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   token,
		"expires": expires.UTC(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"generation":     s.reg.Generation(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snap := s.reg.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation":   snap.Generation,
		"content_hash": strconv.FormatUint(snap.ContentHash, 16),
		"route_count":  len(snap.Routes),
		"conflicts":    len(snap.Conflicts),
		"warnings":     snap.Warnings,
		"reports":      s.reports.Index(),
	})
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snap := s.reg.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"routes":     snap.Routes,
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snap := s.reg.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"generation": snap.Generation,
		"conflicts":  snap.Conflicts,
		"warnings":   snap.Warnings,
	})
}

func (s *Server) handleAttempts(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"attempts": s.healer.Attempts(),
	})
}

// handleThoughts serves the narrative stream with cursor resumption. With no
// new events the request long-polls until one arrives or the idle window
// closes.
func (s *Server) handleThoughts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	since, _ := strconv.ParseUint(q.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	events := s.bus.Since(since, limit)
	if len(events) == 0 {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.ThoughtsIdle)
		s.bus.Wait(ctx, since)
		cancel()
		events = s.bus.Since(since, limit)
	}
	if events == nil {
		events = []thoughts.Event{}
	}

	cursor := since
	if n := len(events); n > 0 {
		cursor = events[n-1].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"cursor": cursor,
	})
}
