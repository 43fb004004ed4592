package api

import (
	"context"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	errs "github.com/patchbay-proxy/patchbay/internal/errors"
	"github.com/patchbay-proxy/patchbay/internal/healer"
	"github.com/patchbay-proxy/patchbay/internal/logging"
	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

var appNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if !appNameRe.MatchString(req.Name) {
		fail(w, errs.WithDetails(errs.ErrValidation, "name must be alphanumeric with - or _"))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		fail(w, errs.WithDetails(errs.ErrValidation, "content must not be empty"))
		return
	}

	res, err := s.control.InstallSnippet(r.Context(), req.Name, req.Content)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name            string `json:"name"`
		BasePath        string `json:"base_path"`
		Upstream        string `json:"upstream"`
		WebSocket       bool   `json:"websocket"`
		StripPrefix     bool   `json:"strip_prefix"`
		ForwardedPrefix bool   `json:"forwarded_prefix"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if !appNameRe.MatchString(req.Name) {
		fail(w, errs.WithDetails(errs.ErrValidation, "name must be alphanumeric with - or _"))
		return
	}
	if !strings.HasPrefix(req.BasePath, "/") {
		fail(w, errs.WithDetails(errs.ErrValidation, "base_path must start with /"))
		return
	}
	if req.Upstream == "" {
		fail(w, errs.WithDetails(errs.ErrValidation, "upstream is required"))
		return
	}

	content := snippet.Template(req.Name, req.BasePath, req.Upstream, snippet.TemplateOptions{
		WebSocket:       req.WebSocket,
		StripPrefix:     req.StripPrefix,
		ForwardedPrefix: req.ForwardedPrefix,
	})
	res, err := s.control.InstallSnippet(r.Context(), req.Name, content)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// configFile validates the :file parameter against path escapes.
func configFile(ps httprouter.Params) (string, error) {
	file := ps.ByName("file")
	if file == "" || strings.ContainsAny(file, "/\\") || strings.Contains(file, "..") {
		return "", errs.WithDetails(errs.ErrValidation, "bad config file name")
	}
	return file, nil
}

func (s *Server) handleListConfigs(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"files": s.control.ListConfigs(),
	})
}

func (s *Server) handleReadConfig(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	file, err := configFile(ps)
	if err != nil {
		fail(w, err)
		return
	}
	content, err := s.control.ReadConfig(file)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file":    file,
		"content": content,
	})
}

func (s *Server) handleWriteConfig(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	file, err := configFile(ps)
	if err != nil {
		fail(w, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}

	res, err := s.control.WriteConfig(r.Context(), file, req.Content)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	file, err := configFile(ps)
	if err != nil {
		fail(w, err)
		return
	}
	res, err := s.control.DeleteConfig(r.Context(), file)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Path       string `json:"path"`
		Match      string `json:"match"`
		WinnerFile string `json:"winner_file"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	key := snippet.RouteKey{Path: req.Path, Match: matchKind(req.Match)}

	res, err := s.control.ResolveConflict(r.Context(), key, req.WinnerFile)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRenameRoute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		OldPath string `json:"old_path"`
		NewPath string `json:"new_path"`
		File    string `json:"file"`
		Match   string `json:"match"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if !strings.HasPrefix(req.OldPath, "/") {
		fail(w, errs.WithDetails(errs.ErrValidation, "old_path must start with /"))
		return
	}
	if !strings.HasPrefix(req.NewPath, "/") {
		fail(w, errs.WithDetails(errs.ErrValidation, "new_path must start with /"))
		return
	}
	if req.File != "" {
		if rt, ok := s.reg.Route(req.OldPath); ok && filepath.Base(rt.SourceFile) != req.File {
			fail(w, errs.WithDetails(errs.ErrNotFound,
				req.OldPath+" is not declared by "+req.File))
			return
		}
	}
	key := snippet.RouteKey{Path: req.OldPath, Match: matchKind(req.Match)}

	res, err := s.control.RenameRoute(r.Context(), key, req.NewPath)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if _, ok := s.reg.Route(req.Path); !ok {
		fail(w, errs.WithDetails(errs.ErrNotFound, "no live route at "+req.Path))
		return
	}

	res, err := s.auditor.Audit(r.Context(), s.auditURL(req.Path))
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAuditAndHeal audits the route, then runs a healing attempt with the
// findings as evidence. The work continues after the response.
func (s *Server) handleAuditAndHeal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}
	if _, ok := s.reg.Route(req.Path); !ok {
		fail(w, errs.WithDetails(errs.ErrNotFound, "no live route at "+req.Path))
		return
	}

	attemptID := uuid.NewString()
	cursor := s.bus.Cursor()
	go func() {
		ctx := context.Background()
		audit, err := s.auditor.Audit(ctx, s.auditURL(req.Path))
		if err != nil {
			logging.Warn("audit before heal failed", zap.String("route", req.Path), zap.Error(err))
		}
		if _, err := s.healer.Heal(ctx, req.Path, healer.HealOptions{
			Audit:             audit,
			OperatorRequested: true,
			AttemptID:         attemptID,
		}); err != nil {
			logging.Warn("heal attempt failed", zap.String("route", req.Path), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":        true,
		"route":           req.Path,
		"attempt_id":      attemptID,
		"thoughts_cursor": cursor,
	})
}

// handleAdvancedHeal runs a synchronous attempt, optionally enabling the
// conflict-rename strategy for a named losing snippet.
func (s *Server) handleAdvancedHeal(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Path       string `json:"path"`
		LosingFile string `json:"losing_file"`
	}
	if err := decode(r, &req); err != nil {
		fail(w, err)
		return
	}

	attempt, err := s.healer.Heal(r.Context(), req.Path, healer.HealOptions{
		OperatorRequested:  true,
		ConflictLosingFile: req.LosingFile,
	})
	if err != nil {
		if attempt != nil {
			writeJSON(w, http.StatusConflict, map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return
		}
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempt": attempt})
}

func (s *Server) auditURL(path string) string {
	return strings.TrimSuffix(s.opts.LocalOrigin, "/") + path
}

func matchKind(m string) snippet.MatchKind {
	switch m {
	case string(snippet.MatchExact):
		return snippet.MatchExact
	case string(snippet.MatchRegex):
		return snippet.MatchRegex
	default:
		return snippet.MatchPrefix
	}
}
