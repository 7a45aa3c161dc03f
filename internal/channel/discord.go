package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/metrics"
)

const discordMaxMsgLen = 2000

// Discord delivers assembled chains to Discord channels. Image segments go
// out as file attachments on the message that carries the preceding text.
type Discord struct {
	token   string
	session *discordgo.Session
	logger  *slog.Logger
}

// DiscordOptions configures the Discord adapter.
type DiscordOptions struct {
	Token  string
	Logger *slog.Logger
}

// NewDiscord creates a new Discord delivery adapter.
func NewDiscord(opts DiscordOptions) *Discord {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Discord{
		token:  opts.Token,
		logger: opts.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and registers for chains.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	d.session = session

	bus.OnChain("discord", func(chain domain.OutboundChain) {
		d.deliverChain(chain)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error { return nil }

func (d *Discord) deliverChain(chain domain.OutboundChain) {
	for _, seg := range chain.Segments {
		switch seg.Type {
		case domain.SegmentText:
			d.sendText(chain.ChatID, seg.Content)
		case domain.SegmentImage:
			d.sendImage(chain.ChatID, seg)
		}
	}
	metrics.ChainsDelivered("discord").Inc()
	d.logger.Debug("discord chain delivered",
		"chain_id", chain.ID,
		"channel_id", chain.ChatID,
		"segments", len(chain.Segments),
	)
}

func (d *Discord) sendText(channelID, content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

func (d *Discord) sendImage(channelID string, seg domain.Segment) {
	msg := &discordgo.MessageSend{
		Files: []*discordgo.File{{
			Name:        imageFileName(seg.Alt, seg.Mime),
			ContentType: seg.Mime,
			Reader:      bytes.NewReader(seg.Data),
		}},
	}
	if _, err := d.session.ChannelMessageSendComplex(channelID, msg); err != nil {
		d.logger.Error("discord image send failed",
			"channel", channelID,
			"source_url", seg.SourceURL,
			"err", err,
		)
	}
}
