// Package pipeline wires the post-processing stages together: trigger
// rewriting, markdown image scanning and chain assembly. It consumes raw
// response events from the message bus and publishes assembled chains back.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/yumo666666/MdToImage/internal/assembler"
	"github.com/yumo666666/MdToImage/internal/bus"
	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/metrics"
	"github.com/yumo666666/MdToImage/internal/rewrite"
	"github.com/yumo666666/MdToImage/internal/scanner"
)

const defaultWorkers = 8

// Config configures a Pipeline.
type Config struct {
	Bus     domain.MessageBus
	Fetcher domain.ImageFetcher
	Events  *bus.EventBus // optional
	Logger  *slog.Logger
	Policy  domain.Policy
	Workers int // concurrent responses in flight, default 8
}

// Pipeline post-processes AI responses into deliverable message chains.
type Pipeline struct {
	bus      domain.MessageBus
	rewriter *rewrite.Rewriter
	asm      *assembler.Assembler
	events   *bus.EventBus
	logger   *slog.Logger
	policy   domain.Policy
	workers  int
}

// New creates a Pipeline from cfg.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Pipeline{
		bus:      cfg.Bus,
		rewriter: rewrite.New(cfg.Policy, cfg.Logger),
		asm: assembler.New(assembler.Config{
			Fetcher: cfg.Fetcher,
			Events:  cfg.Events,
			Logger:  cfg.Logger,
		}),
		events:  cfg.Events,
		logger:  cfg.Logger,
		policy:  cfg.Policy,
		workers: workers,
	}
}

// Handle runs one response text through the full pipeline and returns the
// finished chain. A trigger match replaces the text with the fixed reply
// before scanning, so the original content never reaches the scanner but a
// fixed reply containing an image reference is still split and fetched.
func (p *Pipeline) Handle(ctx context.Context, text string) []domain.Segment {
	metrics.ResponsesTotal.Inc()

	if reply, ok := p.rewriter.Rewrite(text); ok {
		metrics.TriggersTotal.Inc()
		p.emit(bus.EventResponseRewritten, map[string]any{"reply": reply})
		text = reply
	}

	segments := scanner.Scan(text)
	chain := p.asm.Assemble(ctx, segments, p.policy)
	metrics.ChainsAssembled.Inc()
	p.emit(bus.EventChainAssembled, map[string]any{"segments": len(chain)})
	return chain
}

// Run consumes response events from the bus until ctx is cancelled or the
// bus closes. Events are processed by a bounded worker pool; each produces
// an outbound chain sent back through the bus.
func (p *Pipeline) Run(ctx context.Context) {
	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup

	responses := p.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case evt, ok := <-responses:
			if !ok {
				wg.Wait()
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(evt domain.ResponseEvent) {
				defer wg.Done()
				defer func() { <-sem }()
				p.process(ctx, evt)
			}(evt)
		}
	}
}

func (p *Pipeline) process(ctx context.Context, evt domain.ResponseEvent) {
	p.emit(bus.EventResponseReceived, map[string]any{"channel": evt.Channel, "chat_id": evt.ChatID})

	id := evt.ID
	if id == "" {
		id = uuid.NewString()
	}

	segments := p.Handle(ctx, evt.Text)
	chain := domain.OutboundChain{
		ID:       id,
		Channel:  evt.Channel,
		ChatID:   evt.ChatID,
		Segments: segments,
	}

	p.bus.SendChain(chain)
	metrics.ChainsSent.Inc()
	p.emit(bus.EventChainSent, map[string]any{"id": id, "channel": evt.Channel, "segments": len(segments)})
	p.logger.Debug("chain dispatched",
		"id", id,
		"channel", evt.Channel,
		"segments", len(segments),
	)
}

func (p *Pipeline) emit(eventType string, payload map[string]any) {
	if p.events == nil {
		return
	}
	p.events.Emit(bus.Event{Type: eventType, Source: "pipeline", Payload: payload})
}
