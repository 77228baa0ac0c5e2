package state

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mik888em/threads/internal/models"
)

// AppState is the full on-disk shape. The whole object is rewritten on every
// mutation; last writer wins.
type AppState struct {
	Cursors              map[string]string `json:"cursors"`
	LastMetricsWrite     string            `json:"last_metrics_write,omitempty"`
	PostMetricsUpdatedAt map[string]string `json:"post_metrics_updated_at,omitempty"`
	RunStartedAt         string            `json:"run_started_at,omitempty"`
}

// Store persists pagination cursors, per-post metric freshness and the run
// lock in a single JSON file. A missing or corrupt file is treated as empty
// state, never an error.
type Store struct {
	mu    sync.Mutex
	path  string
	state AppState
	now   func() time.Time
}

func NewStore(path string) *Store {
	s := &Store{
		path: path,
		now:  func() time.Time { return time.Now().In(models.Timezone) },
	}
	s.state = s.load()
	return s
}

func (s *Store) GetCursor(accountName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Cursors[accountName]
}

func (s *Store) SetCursor(accountName, cursor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Cursors == nil {
		s.state.Cursors = make(map[string]string)
	}
	s.state.Cursors[accountName] = cursor
	s.save()
}

func (s *Store) LastMetricsWrite() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return parseTimestamp(s.state.LastMetricsWrite)
}

func (s *Store) TouchLastMetricsWrite() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastMetricsWrite = s.now().Format(time.RFC3339)
	s.save()
}

// ShouldRefreshPost reports whether the post's insights are due: no recorded
// fetch yet, or the last one is at least ttl old.
func (s *Store) ShouldRefreshPost(postID string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := parseTimestamp(s.state.PostMetricsUpdatedAt[postID])
	if !ok {
		return true
	}
	return s.now().Sub(last) >= ttl
}

func (s *Store) UpdatePostTimestamp(postID string, ts time.Time) {
	s.BulkUpdatePostTimestamps(map[string]time.Time{postID: ts})
}

// BulkUpdatePostTimestamps records fetch times for many posts with a single
// durable flush.
func (s *Store) BulkUpdatePostTimestamps(updates map[string]time.Time) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.PostMetricsUpdatedAt == nil {
		s.state.PostMetricsUpdatedAt = make(map[string]string)
	}
	for postID, ts := range updates {
		s.state.PostMetricsUpdatedAt[postID] = ts.In(models.Timezone).Format(time.RFC3339)
	}
	s.save()
}

// TryAcquireRunLock claims the run lock. A held lock older than maxAge is
// treated as abandoned and overwritten.
func (s *Store) TryAcquireRunLock(maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if started, ok := parseTimestamp(s.state.RunStartedAt); ok {
		if s.now().Sub(started) < maxAge {
			return false
		}
		slog.Warn("reclaiming stale run lock",
			slog.String("run_started_at", s.state.RunStartedAt))
	}
	s.state.RunStartedAt = s.now().Format(time.RFC3339)
	s.save()
	return true
}

func (s *Store) ReleaseRunLock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RunStartedAt = ""
	s.save()
}

func (s *Store) load() AppState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return AppState{Cursors: map[string]string{}}
	}
	var st AppState
	if err := json.Unmarshal(data, &st); err != nil {
		slog.Warn("state file is corrupt, starting from empty state",
			slog.String("path", s.path), slog.String("error", err.Error()))
		return AppState{Cursors: map[string]string{}}
	}
	if st.Cursors == nil {
		st.Cursors = map[string]string{}
	}
	return st
}

func (s *Store) save() {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		slog.Error("failed to encode state", slog.String("error", err.Error()))
		return
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create state directory",
				slog.String("path", s.path), slog.String("error", err.Error()))
			return
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		slog.Error("failed to write state file",
			slog.String("path", s.path), slog.String("error", err.Error()))
	}
}

func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
