package scanner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Origin is where a probe was issued from.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginExternal Origin = "external"
)

// Report is the outcome of one probe of one route from one origin.
type Report struct {
	RoutePath  string    `json:"route_path"`
	Origin     Origin    `json:"origin"`
	StatusCode int       `json:"status_code"`
	LatencyMs  int64     `json:"latency_ms"`
	Severity   Severity  `json:"severity"`
	ProbedAt   time.Time `json:"probed_at"`

	// Evidence for the healing engine's pattern matchers.
	ContentType   string `json:"content_type,omitempty"`
	Location      string `json:"location,omitempty"`
	BodySignature string `json:"body_signature,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ringSize bounds the in-memory report history.
const ringSize = 256

// ReportStore keeps a bounded history plus a latest-per-route index, and
// persists the index as one JSON artifact for the dashboard.
type ReportStore struct {
	mu     sync.RWMutex
	ring   []Report
	latest map[string]map[Origin]Report
	path   string
}

// NewReportStore creates a store persisting its index at path. An empty path
// disables persistence.
func NewReportStore(path string) *ReportStore {
	return &ReportStore{
		latest: make(map[string]map[Origin]Report),
		path:   path,
	}
}

// Add appends a report and refreshes the latest index.
func (s *ReportStore) Add(r Report) {
	s.mu.Lock()
	s.ring = append(s.ring, r)
	if len(s.ring) > ringSize {
		s.ring = append([]Report(nil), s.ring[len(s.ring)-ringSize:]...)
	}
	byOrigin, ok := s.latest[r.RoutePath]
	if !ok {
		byOrigin = make(map[Origin]Report, 2)
		s.latest[r.RoutePath] = byOrigin
	}
	byOrigin[r.Origin] = r
	s.mu.Unlock()
}

// Latest returns the most recent report for a route and origin.
func (s *ReportStore) Latest(routePath string, origin Origin) (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.latest[routePath][origin]
	return r, ok
}

// Index returns the latest-per-route index, shaped for status.json.
func (s *ReportStore) Index() map[string]map[Origin]Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[Origin]Report, len(s.latest))
	for path, byOrigin := range s.latest {
		m := make(map[Origin]Report, len(byOrigin))
		for o, r := range byOrigin {
			m[o] = r
		}
		out[path] = m
	}
	return out
}

// History returns the report ring, oldest first.
func (s *ReportStore) History() []Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Report(nil), s.ring...)
}

// Drop removes reports for routes no longer live.
func (s *ReportStore) Drop(keep func(routePath string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path := range s.latest {
		if !keep(path) {
			delete(s.latest, path)
		}
	}
}

// Persist writes the latest index atomically.
func (s *ReportStore) Persist() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.Index(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode report index: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write report index: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename report index: %w", err)
	}
	return nil
}
