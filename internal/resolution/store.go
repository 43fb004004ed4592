// Package resolution persists conflict decisions across restarts.
package resolution

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/patchbay-proxy/patchbay/internal/snippet"
)

// Strategy is how a conflict winner was selected.
type Strategy string

const (
	StrategyFirstWins Strategy = "first-wins"
	StrategyManual    Strategy = "manual"
	StrategyRenamed   Strategy = "renamed"
)

// Resolution is a persisted decision selecting one candidate for a
// conflicting route key.
type Resolution struct {
	Key        snippet.RouteKey `json:"-"`
	WinnerFile string           `json:"winner_file"`
	Strategy   Strategy         `json:"strategy"`
	ResolvedAt time.Time        `json:"resolved_at"`

	// Stale is set when the winner file no longer carries the route key.
	// Stale resolutions are ignored during composition but kept for audit.
	Stale bool `json:"stale,omitempty"`
}

// Store is a persistent key-value store over (path, match_kind). The backing
// file is raw JSON mutated through sjson so unknown fields survive upgrades.
type Store struct {
	mu   sync.Mutex
	path string
	raw  []byte
}

// Open loads the store from path, creating an empty one if absent.
func Open(path string) (*Store, error) {
	s := &Store{path: path, raw: []byte("{}")}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("open resolution store: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("resolution store %s is not valid JSON", path)
	}
	s.raw = data
	return s, nil
}

// GetAll returns every persisted resolution, sorted by key for determinism.
func (s *Store) GetAll() []Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodeAll()
}

func (s *Store) decodeAll() []Resolution {
	var out []Resolution
	gjson.ParseBytes(s.raw).ForEach(func(key, value gjson.Result) bool {
		out = append(out, decodeOne(key.String(), value))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

func decodeOne(key string, value gjson.Result) Resolution {
	r := Resolution{
		Key:        parseKey(key),
		WinnerFile: value.Get("winner_file").String(),
		Strategy:   Strategy(value.Get("strategy").String()),
		Stale:      value.Get("stale").Bool(),
	}
	if at := value.Get("resolved_at").String(); at != "" {
		r.ResolvedAt, _ = time.Parse(time.RFC3339, at)
	}
	return r
}

// Get returns the resolution for a route key, if any.
func (s *Store) Get(key snippet.RouteKey) (Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := gjson.GetBytes(s.raw, keyPath(key))
	if !v.Exists() {
		return Resolution{}, false
	}
	return decodeOne(key.String(), v), true
}

// Set records a decision and persists it atomically.
func (s *Store) Set(key snippet.RouteKey, winnerFile string, strategy Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := s.raw
	var err error
	entry := map[string]any{
		"winner_file": winnerFile,
		"strategy":    string(strategy),
		"resolved_at": time.Now().UTC().Format(time.RFC3339),
	}
	raw, err = sjson.SetBytes(raw, keyPath(key), entry)
	if err != nil {
		return fmt.Errorf("encode resolution: %w", err)
	}
	if err := s.persist(raw); err != nil {
		return err
	}
	s.raw = raw
	return nil
}

// Clear deletes a decision. Clearing an absent key is a no-op.
func (s *Store) Clear(key snippet.RouteKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := sjson.DeleteBytes(s.raw, keyPath(key))
	if err != nil {
		return fmt.Errorf("delete resolution: %w", err)
	}
	if err := s.persist(raw); err != nil {
		return err
	}
	s.raw = raw
	return nil
}

// PruneStale marks resolutions whose winner no longer carries the route key.
// Marked entries are kept until explicitly cleared. valid reports whether
// (key, winnerFile) still exists in the current snippet set.
func (s *Store) PruneStale(valid func(key snippet.RouteKey, winnerFile string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := s.raw
	changed := false
	for _, r := range s.decodeAll() {
		isStale := !valid(r.Key, r.WinnerFile)
		if isStale == r.Stale {
			continue
		}
		var err error
		raw, err = sjson.SetBytes(raw, keyPath(r.Key)+".stale", isStale)
		if err != nil {
			return fmt.Errorf("mark stale: %w", err)
		}
		changed = true
	}
	if !changed {
		return nil
	}
	if err := s.persist(raw); err != nil {
		return err
	}
	s.raw = raw
	return nil
}

// persist writes raw to disk with the write-temp-then-rename discipline.
func (s *Store) persist(raw []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write resolution store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename resolution store: %w", err)
	}
	return nil
}

// keyPath escapes the route key for use as an sjson/gjson path component.
func keyPath(key snippet.RouteKey) string {
	out := make([]byte, 0, len(key.Path)+len(key.Match)+8)
	for i := 0; i < len(key.Path); i++ {
		c := key.Path[i]
		if c == '.' || c == '*' || c == '?' || c == '|' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	out = append(out, '\\', '|')
	out = append(out, key.Match...)
	return string(out)
}

func parseKey(s string) snippet.RouteKey {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '|' {
			return snippet.RouteKey{Path: s[:i], Match: snippet.MatchKind(s[i+1:])}
		}
	}
	return snippet.RouteKey{Path: s}
}
