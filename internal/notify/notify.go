// Package notify defines the delivery boundary between the monitoring core
// and the chat platform. Deduplication is the change detector's job; a
// Notifier must be safe to call repeatedly with the same message.
package notify

import (
	"context"
)

// Destination selects where a message goes. A zero field skips that leg:
// an empty ChannelID sends no channel message, an empty SubscriberIDs sends
// no direct messages.
type Destination struct {
	ChannelID     string
	SubscriberIDs []string
}

// Notifier delivers one message to one destination.
type Notifier interface {
	Notify(ctx context.Context, dest Destination, message string) error
}

// Func adapts a function to the Notifier interface.
type Func func(ctx context.Context, dest Destination, message string) error

func (f Func) Notify(ctx context.Context, dest Destination, message string) error {
	return f(ctx, dest, message)
}
