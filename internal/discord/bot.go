// Package discord is the operator surface: a discordgo session serving the
// slash commands that expose monitoring state and gate power and update
// actions behind confirmation buttons.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"mitra/internal/config"
	"mitra/internal/ipmon"
	"mitra/internal/notify"
	"mitra/internal/pending"
	"mitra/internal/state"
	"mitra/internal/update"
	"mitra/internal/upslog"
	"mitra/internal/upsmon"
)

// State store key for IP change subscribers.
const keySubscribers = "ip_subscribers"

// confirmTTL is how long a proposed power or update action stays
// confirmable.
const confirmTTL = 60 * time.Second

// PowerFunc matches power.Execute.
type PowerFunc func(action string, delaySeconds int, force bool) (string, error)

// Bot wires the Discord session to the monitoring components.
type Bot struct {
	session  *discordgo.Session
	store    *state.Store
	settings config.Settings
	ip       *ipmon.Monitor
	ups      *upsmon.Monitor
	upsLog   *upslog.Log
	updates  *update.Checker
	registry *pending.Registry
	powerFn  PowerFunc
	roles    RoleChecker
	roleMgr  RoleManager
	logger   *slog.Logger
	version  string

	startedAt time.Time
}

// Deps carries the collaborators the bot dispatches into. UPS fields may be
// nil when UPS monitoring is disabled.
type Deps struct {
	Store    *state.Store
	Settings config.Settings
	IP       *ipmon.Monitor
	UPS      *upsmon.Monitor
	UPSLog   *upslog.Log
	Updates  *update.Checker
	Registry *pending.Registry
	PowerFn  PowerFunc
	Logger   *slog.Logger
	Version  string
}

// New creates the bot and its session. Open starts it.
func New(deps Deps) (*Bot, error) {
	session, err := discordgo.New("Bot " + deps.Settings.Token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	b := &Bot{
		session:   session,
		store:     deps.Store,
		settings:  deps.Settings,
		ip:        deps.IP,
		ups:       deps.UPS,
		upsLog:    deps.UPSLog,
		updates:   deps.Updates,
		registry:  deps.Registry,
		powerFn:   deps.PowerFn,
		roles:     sessionRoles{session: session},
		roleMgr:   sessionRoles{session: session},
		logger:    deps.Logger.With("component", "discord"),
		version:   deps.Version,
		startedAt: time.Now().UTC(),
	}

	session.AddHandler(b.onReady)
	session.AddHandler(b.onInteraction)
	return b, nil
}

// SetIPMonitor wires the IP monitor in after construction. The monitor
// needs the bot's notifier, so it cannot exist before the bot does.
func (b *Bot) SetIPMonitor(m *ipmon.Monitor) {
	b.ip = m
}

// SetUPSMonitor wires the UPS monitor and its history log in after
// construction. Either may be nil.
func (b *Bot) SetUPSMonitor(m *upsmon.Monitor, log *upslog.Log) {
	b.ups = m
	b.upsLog = log
}

// Open connects the gateway and blocks until the session is ready or the
// context expires.
func (b *Bot) Open(ctx context.Context) error {
	ready := make(chan struct{})
	remove := b.session.AddHandlerOnce(func(_ *discordgo.Session, _ *discordgo.Ready) {
		close(ready)
	})
	defer remove()

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		_ = b.session.Close()
		return ctx.Err()
	}
}

// Close shuts the gateway connection down.
func (b *Bot) Close() error {
	return b.session.Close()
}

// Notifier returns the channel/DM notifier bound to this session.
func (b *Bot) Notifier() notify.Notifier {
	return NewChannelNotifier(b.session, b.logger)
}

// Destination is the monitors' destination function: the configured channel
// plus the current subscriber set.
func (b *Bot) Destination() notify.Destination {
	return notify.Destination{
		ChannelID:     b.settings.ChannelID,
		SubscriberIDs: b.Subscribers(),
	}
}

// VerifyChannel confirms the configured notification channel exists and is
// visible to the bot. Called once after Open, before the loops start.
func (b *Bot) VerifyChannel(ctx context.Context) error {
	if b.settings.ChannelID == "" {
		return fmt.Errorf("no notification channel configured")
	}
	ch, err := b.session.Channel(b.settings.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("notification channel %s unavailable: %w", b.settings.ChannelID, err)
	}
	b.logger.Info("notification channel verified", "channel_id", ch.ID, "name", ch.Name)
	return nil
}

// Subscribers returns the persisted IP change subscriber IDs.
func (b *Bot) Subscribers() []string {
	var ids []string
	b.store.Get(keySubscribers, &ids)
	return ids
}

func (b *Bot) addSubscriber(userID string) (bool, error) {
	ids := b.Subscribers()
	for _, id := range ids {
		if id == userID {
			return false, nil
		}
	}
	return true, b.store.Set(keySubscribers, append(ids, userID))
}

func (b *Bot) removeSubscriber(userID string) (bool, error) {
	ids := b.Subscribers()
	kept := ids[:0]
	for _, id := range ids {
		if id != userID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(ids) {
		return false, nil
	}
	return true, b.store.Set(keySubscribers, kept)
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("gateway ready", "user", r.User.Username, "guilds", len(r.Guilds))

	if _, err := s.ApplicationCommandBulkOverwrite(r.User.ID, "", commandDefinitions()); err != nil {
		b.logger.Error("registering slash commands failed", "error", err)
	}
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var rep reply
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		rep = b.dispatchCommand(ctx, i)
	case discordgo.InteractionMessageComponent:
		rep = b.dispatchComponent(ctx, i)
	default:
		return
	}
	if rep.content == "" {
		return
	}

	data := &discordgo.InteractionResponseData{Content: rep.content}
	if rep.ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	if len(rep.components) > 0 {
		data.Components = rep.components
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}, discordgo.WithContext(ctx))
	if err != nil {
		b.logger.Warn("interaction response failed", "error", err)
	}
}

// interactionUser resolves the invoking user for guild and DM interactions.
func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil {
		return i.Member.User
	}
	return i.User
}
