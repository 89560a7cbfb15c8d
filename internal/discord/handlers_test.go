package discord

import (
	"archive/zip"
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mitra/internal/config"
	"mitra/internal/models"
	"mitra/internal/pending"
	"mitra/internal/state"
	"mitra/internal/update"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubRoles struct {
	admins  map[string]bool
	granted map[string]string
	revoked map[string]string
}

func (s stubRoles) HasRole(_ string, member *discordgo.Member, _ string) bool {
	if member == nil {
		return false
	}
	return s.admins[member.User.ID]
}

func (s stubRoles) GrantRole(_, userID, roleName string) error {
	s.granted[userID] = roleName
	return nil
}

func (s stubRoles) RevokeRole(_, userID, roleName string) error {
	s.revoked[userID] = roleName
	return nil
}

type powerStub struct {
	calls []string
}

func (p *powerStub) run(action string, delaySeconds int, force bool) (string, error) {
	p.calls = append(p.calls, action)
	return "scheduled", nil
}

func newTestBot(t *testing.T) (*Bot, *powerStub) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "cache.json"), testLogger())
	require.NoError(t, err)

	settings := config.Settings{
		ChannelID:     "chan",
		AdminRoleName: "Mitra Admin",
		UPS:           config.DefaultUPS(),
		Update:        config.DefaultUpdate(),
	}
	pow := &powerStub{}
	roles := stubRoles{
		admins:  map[string]bool{"admin": true},
		granted: map[string]string{},
		revoked: map[string]string{},
	}

	b := &Bot{
		store:     store,
		settings:  settings,
		updates:   update.NewChecker(nil, store, settings.Update, "1.0.0", t.TempDir(), testLogger()),
		registry:  pending.NewRegistry(testLogger()),
		powerFn:   pow.run,
		roles:     roles,
		roleMgr:   roles,
		logger:    testLogger(),
		version:   "1.0.0",
		startedAt: time.Now(),
	}
	return b, pow
}

func commandInteraction(userID, name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionApplicationCommand,
			GuildID: "guild",
			Member:  &discordgo.Member{User: &discordgo.User{ID: userID}},
			Data: discordgo.ApplicationCommandInteractionData{
				Name:    name,
				Options: opts,
			},
		},
	}
}

func componentInteraction(userID, customID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionMessageComponent,
			GuildID: "guild",
			Member:  &discordgo.Member{User: &discordgo.User{ID: userID}},
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

func sub(name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Name:    name,
		Options: opts,
	}
}

func TestPowerRequiresAdmin(t *testing.T) {
	b, pow := newTestBot(t)

	rep := b.dispatchCommand(context.Background(), commandInteraction("pleb", "power", sub("restart")))
	assert.True(t, rep.ephemeral)
	assert.Contains(t, rep.content, "Mitra Admin")

	_, exists := b.registry.Pending(pending.KindRestart)
	assert.False(t, exists)
	assert.Empty(t, pow.calls)
}

func TestPowerProposeConfirmFlow(t *testing.T) {
	b, pow := newTestBot(t)
	ctx := context.Background()

	rep := b.dispatchCommand(ctx, commandInteraction("admin", "power",
		sub("restart", &discordgo.ApplicationCommandInteractionDataOption{
			Type:  discordgo.ApplicationCommandOptionInteger,
			Name:  "delay",
			Value: float64(90),
		})))
	assert.Contains(t, rep.content, "restart")
	require.Len(t, rep.components, 1)

	// second propose while pending is rejected, the pending action survives
	rep = b.dispatchCommand(ctx, commandInteraction("admin", "power", sub("restart")))
	assert.True(t, rep.ephemeral)
	assert.Contains(t, rep.content, "already pending")

	rep = b.dispatchComponent(ctx, componentInteraction("admin", "power:confirm:restart"))
	assert.Contains(t, rep.content, "scheduled")
	assert.Equal(t, []string{"restart"}, pow.calls)

	// the slot is free again
	_, exists := b.registry.Pending(pending.KindRestart)
	assert.False(t, exists)
}

func TestPowerConfirmRequiresAdmin(t *testing.T) {
	b, pow := newTestBot(t)
	ctx := context.Background()

	b.dispatchCommand(ctx, commandInteraction("admin", "power", sub("shutdown")))

	rep := b.dispatchComponent(ctx, componentInteraction("pleb", "power:confirm:shutdown"))
	assert.True(t, rep.ephemeral)
	assert.Empty(t, pow.calls)

	// still pending for a real admin
	_, exists := b.registry.Pending(pending.KindShutdown)
	assert.True(t, exists)
}

func TestPowerCancelButton(t *testing.T) {
	b, pow := newTestBot(t)
	ctx := context.Background()

	b.dispatchCommand(ctx, commandInteraction("admin", "power", sub("shutdown")))
	rep := b.dispatchComponent(ctx, componentInteraction("admin", "power:cancel:shutdown"))
	assert.Contains(t, rep.content, "cancelled")
	assert.Empty(t, pow.calls)

	// slot is free for a new propose
	rep = b.dispatchCommand(ctx, commandInteraction("admin", "power", sub("shutdown")))
	require.Len(t, rep.components, 1)
}

func TestPowerCancelCommandFallsBackToOS(t *testing.T) {
	b, pow := newTestBot(t)

	rep := b.dispatchCommand(context.Background(), commandInteraction("admin", "power", sub("cancel")))
	assert.Contains(t, rep.content, "scheduled")
	assert.Equal(t, []string{"cancel"}, pow.calls)
}

func TestConfirmWithNothingPending(t *testing.T) {
	b, _ := newTestBot(t)

	rep := b.dispatchComponent(context.Background(), componentInteraction("admin", "power:confirm:restart"))
	assert.True(t, rep.ephemeral)
	assert.Contains(t, rep.content, "Nothing is pending")
}

func TestIPSubscribeRoundTrip(t *testing.T) {
	b, _ := newTestBot(t)
	ctx := context.Background()

	rep := b.dispatchCommand(ctx, commandInteraction("user1", "ip", sub("subscribe")))
	assert.Contains(t, rep.content, "Subscribed")
	assert.Equal(t, []string{"user1"}, b.Subscribers())

	rep = b.dispatchCommand(ctx, commandInteraction("user1", "ip", sub("subscribe")))
	assert.Contains(t, rep.content, "already subscribed")
	assert.Equal(t, []string{"user1"}, b.Subscribers())

	rep = b.dispatchCommand(ctx, commandInteraction("user1", "ip", sub("unsubscribe")))
	assert.Contains(t, rep.content, "Unsubscribed")
	assert.Empty(t, b.Subscribers())
}

func TestUpdateSettingsRequireAdmin(t *testing.T) {
	b, _ := newTestBot(t)

	rep := b.dispatchCommand(context.Background(), commandInteraction("pleb", "update",
		sub("auto", &discordgo.ApplicationCommandInteractionDataOption{
			Type:  discordgo.ApplicationCommandOptionBoolean,
			Name:  "enabled",
			Value: true,
		})))
	assert.True(t, rep.ephemeral)
	assert.False(t, b.updates.Settings().Enabled)
}

func TestUpdateIntervalValidation(t *testing.T) {
	b, _ := newTestBot(t)

	rep := b.dispatchCommand(context.Background(), commandInteraction("admin", "update",
		sub("interval", &discordgo.ApplicationCommandInteractionDataOption{
			Type:  discordgo.ApplicationCommandOptionInteger,
			Name:  "seconds",
			Value: float64(10),
		})))
	assert.True(t, rep.ephemeral)
	assert.Contains(t, rep.content, "too short")

	rep = b.dispatchCommand(context.Background(), commandInteraction("admin", "update",
		sub("interval", &discordgo.ApplicationCommandInteractionDataOption{
			Type:  discordgo.ApplicationCommandOptionInteger,
			Name:  "seconds",
			Value: float64(3600),
		})))
	assert.False(t, rep.ephemeral)
	assert.Equal(t, 3600, b.updates.Settings().CheckIntervalSeconds)
}

func TestSubscribeManagesConfiguredRole(t *testing.T) {
	b, _ := newTestBot(t)
	b.settings.IPSubscriberRoleName = "Mitra IP Subscriber"
	stub := b.roleMgr.(stubRoles)
	ctx := context.Background()

	b.dispatchCommand(ctx, commandInteraction("user1", "ip", sub("subscribe")))
	assert.Equal(t, "Mitra IP Subscriber", stub.granted["user1"])

	b.dispatchCommand(ctx, commandInteraction("user1", "ip", sub("unsubscribe")))
	assert.Equal(t, "Mitra IP Subscriber", stub.revoked["user1"])
}

func releaseArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("acme-mitra-abc123/README.md")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestInstallConfirmUsesConfirmedRelease(t *testing.T) {
	b, _ := newTestBot(t)
	ctx := context.Background()

	archive := releaseArchive(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	require.NoError(t, b.store.Set("pending_release",
		models.ReleaseInfo{Version: "1.1.0", ZipballURL: srv.URL + "/v1.1.0"}))

	rep := b.dispatchCommand(ctx, commandInteraction("admin", "update", sub("install")))
	require.Len(t, rep.components, 1)
	assert.Contains(t, rep.content, "1.1.0")

	// a fresh check lands while the confirmation is still outstanding
	require.NoError(t, b.store.Set("pending_release",
		models.ReleaseInfo{Version: "2.0.0", ZipballURL: srv.URL + "/v2.0.0"}))

	rep = b.dispatchComponent(ctx, componentInteraction("admin", "update:confirm:update-install"))
	assert.Contains(t, rep.content, "1.1.0")
	assert.NotContains(t, rep.content, "2.0.0")
	assert.Equal(t, "1.1.0", b.store.String("installed_version", ""))
}

func TestChangelogOnlyForNewerRelease(t *testing.T) {
	b, _ := newTestBot(t)

	// pending slot holds the version already running
	require.NoError(t, b.store.Set("pending_release",
		models.ReleaseInfo{Version: "1.0.0", Notes: "old news"}))

	rep := b.dispatchCommand(context.Background(), commandInteraction("user1", "update", sub("changelog")))
	assert.True(t, rep.ephemeral)
	assert.Contains(t, rep.content, "No pending release")
}

func TestUPSDisabled(t *testing.T) {
	b, _ := newTestBot(t)

	rep := b.dispatchCommand(context.Background(), commandInteraction("user1", "ups", sub("status")))
	assert.True(t, rep.ephemeral)
	assert.Contains(t, rep.content, "disabled")
}

func TestAbout(t *testing.T) {
	b, _ := newTestBot(t)

	rep := b.dispatchCommand(context.Background(), commandInteraction("user1", "about"))
	assert.Contains(t, rep.content, "1.0.0")
	assert.Contains(t, rep.content, "Uptime")
}
