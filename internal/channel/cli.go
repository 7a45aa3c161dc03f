package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/metrics"
)

// CLI is an interactive terminal adapter for trying the pipeline: each line
// typed is treated as a raw AI response, and the assembled chain prints back
// with image segments summarized.
type CLI struct {
	bus       domain.MessageBus
	logger    *slog.Logger
	in        io.Reader
	out       io.Writer
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
}

type CLIOptions struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(opts CLIOptions) *CLI {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CLI{
		logger: opts.Logger,
		in:     opts.In,
		out:    opts.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until context is cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnChain("cli", func(chain domain.OutboundChain) {
		c.stopThinking()
		_, _ = fmt.Fprintln(c.out, "\r\033[K") // Clear spinner line
		_, _ = fmt.Fprintln(c.out, "--- chain", chain.ID, "---")
		for _, seg := range chain.Segments {
			switch seg.Type {
			case domain.SegmentText:
				_, _ = fmt.Fprintln(c.out, seg.Content)
			case domain.SegmentImage:
				_, _ = fmt.Fprintf(c.out, "[image %s, %d bytes, from %s]\n", seg.Mime, len(seg.Data), seg.SourceURL)
			}
		}
		_, _ = fmt.Fprintln(c.out, "----------------")
		_, _ = fmt.Fprint(c.out, "response> ")
		metrics.ChainsDelivered("cli").Inc()
	})

	_, _ = fmt.Fprintln(c.out, "mdtoimage CLI. Paste a raw response and press Enter. Type /quit to exit.")
	_, _ = fmt.Fprint(c.out, "response> ")

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			_, _ = fmt.Fprint(c.out, "response> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		c.startThinking()
		c.bus.Publish(domain.ResponseEvent{
			Channel:   "cli",
			ChatID:    "direct",
			Text:      line,
			Timestamp: time.Now(),
		})
	}
}

func (c *CLI) startThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	go func() {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-c.thinkStop:
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s Assembling...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }
