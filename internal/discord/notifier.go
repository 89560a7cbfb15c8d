package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"mitra/internal/notify"
)

// ChannelNotifier delivers operator notifications to the configured channel
// and, for destinations that carry subscribers, to each subscriber's DM.
// A DM failure (closed DMs, user left) is logged and skipped; it never
// fails the channel delivery.
type ChannelNotifier struct {
	session *discordgo.Session
	logger  *slog.Logger
}

// NewChannelNotifier wraps an open session.
func NewChannelNotifier(session *discordgo.Session, logger *slog.Logger) *ChannelNotifier {
	return &ChannelNotifier{session: session, logger: logger.With("component", "notifier")}
}

// Notify implements notify.Notifier.
func (n *ChannelNotifier) Notify(ctx context.Context, dest notify.Destination, message string) error {
	var firstErr error
	if dest.ChannelID != "" {
		if _, err := n.session.ChannelMessageSend(dest.ChannelID, message, discordgo.WithContext(ctx)); err != nil {
			firstErr = fmt.Errorf("send to channel %s: %w", dest.ChannelID, err)
		}
	}

	for _, userID := range dest.SubscriberIDs {
		ch, err := n.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
		if err != nil {
			n.logger.Warn("opening dm failed", "user_id", userID, "error", err)
			continue
		}
		if _, err := n.session.ChannelMessageSend(ch.ID, message, discordgo.WithContext(ctx)); err != nil {
			n.logger.Warn("dm delivery failed", "user_id", userID, "error", err)
		}
	}
	return firstErr
}
