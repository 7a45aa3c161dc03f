package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/yumo666666/MdToImage/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based message bus: response events flow in
// from the host-facing channels, assembled chains flow out to the
// per-platform chain handlers.
type InMemoryBus struct {
	responses chan domain.ResponseEvent
	handlers  map[string]func(domain.OutboundChain)
	mu        sync.RWMutex
	closed    bool
	logger    *slog.Logger
}

// New creates an InMemoryBus with the given inbound buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		responses: make(chan domain.ResponseEvent, bufferSize),
		handlers:  make(map[string]func(domain.OutboundChain)),
		logger:    logger,
	}
}

// Publish enqueues a response event. Blocks up to 10 seconds when the bus
// is full instead of dropping.
func (b *InMemoryBus) Publish(evt domain.ResponseEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}

	select {
	case b.responses <- evt:
	default:
		b.logger.Warn("response bus full, waiting...", "channel", evt.Channel, "chat_id", evt.ChatID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.responses <- evt:
			b.logger.Info("response delivered after wait", "channel", evt.Channel)
		case <-timer.C:
			b.logger.Error("response dropped: bus full for 10s",
				"channel", evt.Channel,
				"chat_id", evt.ChatID,
			)
		}
	}
}

// Subscribe returns the inbound response stream consumed by the pipeline.
func (b *InMemoryBus) Subscribe() <-chan domain.ResponseEvent {
	return b.responses
}

// SendChain hands an assembled chain to the handler registered for its
// channel.
func (b *InMemoryBus) SendChain(chain domain.OutboundChain) {
	b.mu.RLock()
	handler, ok := b.handlers[chain.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no chain handler registered for channel",
			"channel", chain.Channel,
		)
		return
	}

	handler(chain)
}

// OnChain registers the outbound chain handler for a channel.
func (b *InMemoryBus) OnChain(channelName string, handler func(domain.OutboundChain)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

// Close shuts the bus down; further publishes are dropped.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.responses)
	}
}
