package state

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	s, err := Open(path, newLogger())
	require.NoError(t, err)

	require.NoError(t, s.Set("token", "abc123"))
	require.NoError(t, s.Set("ip_poll_seconds", 900))
	require.NoError(t, s.Set("ip_subscribers", []string{"101", "202"}))
	require.NoError(t, s.Set("ups", map[string]any{"enabled": true, "poll_seconds": 30}))

	reloaded, err := Open(path, newLogger())
	require.NoError(t, err)

	assert.Equal(t, "abc123", reloaded.String("token", ""))
	assert.Equal(t, 900, reloaded.Int("ip_poll_seconds", 0))

	var subs []string
	require.True(t, reloaded.Get("ip_subscribers", &subs))
	assert.Equal(t, []string{"101", "202"}, subs)

	assert.Equal(t, s.Snapshot(), reloaded.Snapshot())
}

func TestOpenMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "cache.json")

	s, err := Open(path, newLogger())
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot())
}

func TestOpenCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(path, newLogger())
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot())
}

func TestTypedGetterDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cache.json"), newLogger())
	require.NoError(t, err)

	assert.Equal(t, "fallback", s.String("missing", "fallback"))
	assert.Equal(t, 42, s.Int("missing", 42))
	assert.True(t, s.Bool("missing", true))
	assert.True(t, s.Time("missing").IsZero())

	// numeric strings are accepted for integers
	require.NoError(t, s.Set("ip_poll_seconds", "600"))
	assert.Equal(t, 600, s.Int("ip_poll_seconds", 0))
}

func TestSetTimeRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "cache.json"), newLogger())
	require.NoError(t, err)

	stamp := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.NoError(t, s.SetTime("last_ip_check", stamp))
	assert.Equal(t, stamp, s.Time("last_ip_check"))
}

func TestUpdateBatchesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	s, err := Open(path, newLogger())
	require.NoError(t, err)

	err = s.Update(func(data map[string]json.RawMessage) {
		data["last_ip"], _ = json.Marshal("5.6.7.8")
		data["last_ip_change"], _ = json.Marshal("2026-01-02T03:04:05Z")
	})
	require.NoError(t, err)

	reloaded, err := Open(path, newLogger())
	require.NoError(t, err)
	assert.Equal(t, "5.6.7.8", reloaded.String("last_ip", ""))
}

func TestWriteFailureLeavesPreviousSnapshot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")

	s, err := Open(path, newLogger())
	require.NoError(t, err)
	require.NoError(t, s.Set("last_ip", "1.2.3.4"))

	// Make the directory read-only so the temp-file write fails.
	require.NoError(t, os.Chmod(dir, 0o555))
	defer os.Chmod(dir, 0o755)

	err = s.Set("last_ip", "5.6.7.8")
	require.Error(t, err)

	var perr *PersistenceError
	assert.True(t, errors.As(err, &perr))

	// in-memory state keeps the new value
	assert.Equal(t, "5.6.7.8", s.String("last_ip", ""))

	// on-disk snapshot is the previous, intact one
	require.NoError(t, os.Chmod(dir, 0o755))
	reloaded, err := Open(path, newLogger())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", reloaded.String("last_ip", ""))
}
