package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"

	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/metrics"
)

const slackMaxMsgLen = 4000

// Slack delivers assembled chains to Slack channels. Text segments post as
// messages; image segments upload as files into the same channel.
type Slack struct {
	botToken string
	client   *slack.Client
	logger   *slog.Logger
}

// SlackOptions configures the Slack adapter.
type SlackOptions struct {
	BotToken string
	Logger   *slog.Logger
}

// NewSlack creates a new Slack delivery adapter.
func NewSlack(opts SlackOptions) *Slack {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Slack{
		botToken: opts.BotToken,
		logger:   opts.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start authenticates against Slack and registers for assembled chains.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	api := slack.New(s.botToken)
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	bus.OnChain("slack", func(chain domain.OutboundChain) {
		s.deliverChain(ctx, chain)
	})

	<-ctx.Done()
	s.logger.Info("slack bot disconnecting")
	return nil
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) deliverChain(ctx context.Context, chain domain.OutboundChain) {
	for _, seg := range chain.Segments {
		switch seg.Type {
		case domain.SegmentText:
			s.sendText(chain.ChatID, seg.Content)
		case domain.SegmentImage:
			s.uploadImage(ctx, chain.ChatID, seg)
		}
	}
	metrics.ChainsDelivered("slack").Inc()
	s.logger.Debug("slack chain delivered",
		"chain_id", chain.ID,
		"channel", chain.ChatID,
		"segments", len(chain.Segments),
	)
}

func (s *Slack) sendText(channelID, content string) {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessage(
			channelID,
			slack.MsgOptionText(chunk, false),
			slack.MsgOptionAsUser(true),
		)
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
		}
	}
}

func (s *Slack) uploadImage(ctx context.Context, channelID string, seg domain.Segment) {
	_, err := s.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Filename: imageFileName(seg.Alt, seg.Mime),
		FileSize: len(seg.Data),
		Reader:   bytes.NewReader(seg.Data),
		Channel:  channelID,
		Title:    seg.Alt,
	})
	if err != nil {
		s.logger.Error("slack image upload failed",
			"channel", channelID,
			"source_url", seg.SourceURL,
			"err", err,
		)
	}
}
