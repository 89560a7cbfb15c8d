package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PersistenceError reports a failed disk write. The in-memory snapshot stays
// authoritative for the life of the process, but it will be lost on crash,
// so callers should surface this loudly.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist state to %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is a durable key-value snapshot backed by a single JSON file.
// Every mutation rewrites the whole file via write-temp-then-rename, so a
// crash mid-write can never leave a truncated snapshot on disk.
type Store struct {
	mu     sync.RWMutex
	path   string
	data   map[string]json.RawMessage
	logger *slog.Logger
}

// Open loads the snapshot at path, creating the parent directory if needed.
// A missing or corrupt file logs a warning and starts an empty snapshot;
// startup availability wins over strict validation.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure state directory: %w", err)
	}

	s := &Store{
		path:   path,
		data:   make(map[string]json.RawMessage),
		logger: logger,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("state file unreadable, starting empty", "path", path, "error", err)
		}
		return s, nil
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		logger.Warn("state file corrupt, starting empty", "path", path, "error", err)
		s.data = make(map[string]json.RawMessage)
	}
	return s, nil
}

// Get unmarshals the value at key into out. It returns false when the key is
// absent or the stored value does not decode into out.
func (s *Store) Get(key string, out any) bool {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.logger.Warn("state value undecodable", "key", key, "error", err)
		return false
	}
	return true
}

// String returns the string at key, or def.
func (s *Store) String(key, def string) string {
	var v string
	if s.Get(key, &v) {
		return v
	}
	return def
}

// Int returns the integer at key, or def. Numeric strings are accepted
// because operators hand-edit the snapshot file.
func (s *Store) Int(key string, def int) int {
	var n int
	if s.Get(key, &n) {
		return n
	}
	var str string
	if s.Get(key, &str) {
		if parsed, err := parseInt(str); err == nil {
			return parsed
		}
	}
	return def
}

// Bool returns the boolean at key, or def.
func (s *Store) Bool(key string, def bool) bool {
	var v bool
	if s.Get(key, &v) {
		return v
	}
	return def
}

// Time returns the RFC 3339 timestamp at key, or the zero time.
func (s *Store) Time(key string) time.Time {
	var str string
	if !s.Get(key, &str) {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Set stores value under key and persists the snapshot before returning.
func (s *Store) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state value %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = raw
	return s.persist()
}

// SetTime stores t under key as RFC 3339.
func (s *Store) SetTime(key string, t time.Time) error {
	return s.Set(key, t.UTC().Format(time.RFC3339))
}

// Delete removes key and persists.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.persist()
}

// Update applies fn to the snapshot under the writer lock and persists once.
// Use this to batch several related writes into a single file rewrite.
func (s *Store) Update(fn func(data map[string]json.RawMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(s.data)
	return s.persist()
}

// Snapshot returns a copy of the full key-value mapping.
func (s *Store) Snapshot() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(s.data))
	for k, v := range s.data {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Flush rewrites the snapshot file from the in-memory state.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// persist must be called with the writer lock held.
func (s *Store) persist() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return &PersistenceError{Path: s.path, Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return &PersistenceError{Path: s.path, Err: err}
	}
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
