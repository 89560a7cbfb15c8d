package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitra/internal/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	t.Setenv("MITRA_TOKEN", "")
	t.Setenv("DISCORD_TOKEN", "")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := state.Open(filepath.Join(t.TempDir(), "cache.json"), logger)
	require.NoError(t, err)
	return s
}

func TestLoadDefaults(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set("token", "stored-token"))

	s, err := Load(store, LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, "stored-token", s.Token)
	assert.Equal(t, 900, s.IPPollSeconds)
	assert.Equal(t, "Mitra Admin", s.AdminRoleName)
	assert.Equal(t, "Mitra IP Subscriber", s.IPSubscriberRoleName)
	assert.Equal(t, DefaultUPS(), s.UPS)
	assert.Equal(t, DefaultUpdate(), s.Update)

	// resolved defaults are written back into the snapshot
	var ups UPSSettings
	require.True(t, store.Get("ups", &ups))
	assert.Equal(t, DefaultUPS(), ups)
}

func TestLoadEnvTokenOverridesStore(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set("token", "stored-token"))
	t.Setenv("MITRA_TOKEN", "env-token")

	s, err := Load(store, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "env-token", s.Token)
}

func TestLoadMissingTokenFatal(t *testing.T) {
	store := newStore(t)

	_, err := Load(store, LoadOptions{})
	assert.ErrorIs(t, err, ErrTokenMissing)
}

func TestLoadInteractivePromptPersistsToken(t *testing.T) {
	store := newStore(t)

	var out strings.Builder
	s, err := Load(store, LoadOptions{
		Interactive: true,
		Input:       strings.NewReader("prompted-token\n"),
		Output:      &out,
	})
	require.NoError(t, err)

	assert.Equal(t, "prompted-token", s.Token)
	assert.Equal(t, "prompted-token", store.String("token", ""))
	assert.Contains(t, out.String(), "token")
}

func TestChannelIDCoercion(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set("token", "x"))

	// legacy numeric channel key
	require.NoError(t, store.Set("channel", 123456789012345678))
	s, err := Load(store, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678", s.ChannelID)

	// channel_id wins over channel
	require.NoError(t, store.Set("channel_id", "987654321098765432"))
	s, err = Load(store, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "987654321098765432", s.ChannelID)
}

func TestUPSSettingsCoercion(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set("token", "x"))
	require.NoError(t, store.Set("ups", map[string]any{
		"enabled":                    "no",
		"poll_seconds":               "45",
		"warn_time_to_empty_seconds": 300,
		"auto_shutdown_enabled":      true,
		"timezone":                   "America/Los_Angeles",
	}))

	s, err := Load(store, LoadOptions{})
	require.NoError(t, err)

	assert.False(t, s.UPS.Enabled)
	assert.Equal(t, 45, s.UPS.PollSeconds)
	assert.Equal(t, 300, s.UPS.WarnTimeToEmptySeconds)
	assert.True(t, s.UPS.AutoShutdownEnabled)
	assert.Equal(t, "America/Los_Angeles", s.UPS.Timezone)
	// unspecified keys keep defaults
	assert.Equal(t, 180, s.UPS.CriticalTimeToEmptySeconds)
}

func TestSeedOverwritesSnapshot(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set("ip_poll_seconds", 900))

	seedPath := filepath.Join(t.TempDir(), "mitra.yaml")
	seed := "token: seeded-token\nip_poll_seconds: 120\nchannel_id: \"42\"\n"
	require.NoError(t, os.WriteFile(seedPath, []byte(seed), 0o644))

	require.NoError(t, Seed(store, seedPath))

	s, err := Load(store, LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, "seeded-token", s.Token)
	assert.Equal(t, 120, s.IPPollSeconds)
	assert.Equal(t, "42", s.ChannelID)
}

func TestSeedMissingFileIsNoop(t *testing.T) {
	store := newStore(t)
	require.NoError(t, Seed(store, filepath.Join(t.TempDir(), "absent.yaml")))
	assert.Empty(t, store.Snapshot())
}
