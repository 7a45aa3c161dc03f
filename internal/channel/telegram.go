package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/metrics"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram delivers assembled chains to Telegram chats: text segments as
// messages, image segments as photo uploads.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed chat IDs (empty = allow all)
	parseMode string

	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

type TelegramOptions struct {
	Token     string
	AllowFrom []string // chat IDs as strings
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(opts TelegramOptions) *Telegram {
	var allowed []int64
	for _, s := range opts.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if opts.ParseMode == "" {
		opts.ParseMode = "Markdown"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Telegram{
		token:     opts.Token,
		allowFrom: allowed,
		parseMode: opts.ParseMode,
		logger:    opts.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and registers for assembled chains.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnChain("telegram", func(chain domain.OutboundChain) {
		chatID, err := strconv.ParseInt(chain.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram chain", "chatID", chain.ChatID, "err", err)
			return
		}
		if !t.isAllowed(chatID) {
			t.logger.Warn("chain for chat outside allow list dropped", "chat_id", chatID)
			return
		}
		t.deliverChain(chatID, chain)
	})

	<-ctx.Done()
	t.logger.Info("telegram channel stopping")
	return nil
}

func (t *Telegram) Stop() error { return nil }

func (t *Telegram) deliverChain(chatID int64, chain domain.OutboundChain) {
	for _, seg := range chain.Segments {
		switch seg.Type {
		case domain.SegmentText:
			t.sendMessage(chatID, seg.Content)
		case domain.SegmentImage:
			t.sendPhoto(chatID, seg)
		}
	}
	metrics.ChainsDelivered("telegram").Inc()
	t.logger.Debug("telegram chain delivered",
		"chain_id", chain.ID,
		"chat_id", chatID,
		"segments", len(chain.Segments),
	)
}

func (t *Telegram) sendPhoto(chatID int64, seg domain.Segment) {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
		Name:  imageFileName(seg.Alt, seg.Mime),
		Bytes: seg.Data,
	})
	if seg.Alt != "" {
		photo.Caption = seg.Alt
	}
	if _, err := t.bot.Send(photo); err != nil {
		t.logger.Error("telegram photo send failed",
			"err", err,
			"source_url", seg.SourceURL,
			"bytes", len(seg.Data),
		)
	}
}

func (t *Telegram) isAllowed(chatID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == chatID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// Strategy: try Markdown first, on parse error fall back to plain text, then
// retry with backoff.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}
		// On subsequent attempts: send as plain text (parse mode may be malformed).

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		// Handle Telegram rate limiting (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		// Markdown parse error on first attempt: immediately retry as plain text.
		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			plainMsg := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plainMsg); err2 == nil {
				return
			}
			// Plain also failed, fall through to backoff loop.
		}

		// Exponential backoff for other transient errors.
		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
