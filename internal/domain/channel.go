package domain

import "context"

// Channel is a delivery adapter for assembled message chains (Telegram,
// Discord, Slack, WebSocket, CLI). Adapters register a chain handler on the
// bus in Start and block until the context is cancelled.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
