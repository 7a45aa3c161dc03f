package domain

import "time"

// ResponseEvent is a "response produced" notification from the plugin host:
// raw AI-generated text that has not been post-processed yet.
type ResponseEvent struct {
	ID        string // correlation ID, carried through to the outbound chain
	Channel   string // destination channel name (telegram, discord, ...)
	ChatID    string // destination chat/conversation on that channel
	Text      string // raw outgoing text
	Timestamp time.Time
}

// OutboundChain is a fully assembled message chain ready for delivery.
// Segments contain only text and image variants, in source order.
type OutboundChain struct {
	ID       string
	Channel  string
	ChatID   string
	Segments []Segment
}

// MessageBus routes response events into the pipeline and assembled chains
// out to the channel adapters.
type MessageBus interface {
	Publish(evt ResponseEvent)
	Subscribe() <-chan ResponseEvent
	SendChain(chain OutboundChain)
	OnChain(channelName string, handler func(OutboundChain))
	Close()
}
