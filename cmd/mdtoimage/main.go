package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yumo666666/MdToImage/internal/bus"
	"github.com/yumo666666/MdToImage/internal/cache"
	"github.com/yumo666666/MdToImage/internal/channel"
	"github.com/yumo666666/MdToImage/internal/config"
	"github.com/yumo666666/MdToImage/internal/domain"
	"github.com/yumo666666/MdToImage/internal/fetcher"
	"github.com/yumo666666/MdToImage/internal/pipeline"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "mdtoimage",
		Short: "mdtoimage: AI chat response post-processor",
		Long:  "mdtoimage turns markdown image references in AI responses into deliverable text+image message chains.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.mdtoimage/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(processCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// buildLogger creates the runtime logger from the general config section.
func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := io.Writer(os.Stderr)
	cleanup := func() {}
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		cleanup = func() { f.Close() }
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), cleanup, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process [text]",
		Short: "Run one response through the pipeline and print the chain as JSON",
		Long:  "Processes a single raw response (argument or stdin) and prints the assembled chain. Image bytes are base64 in the output.",
		RunE:  runProcess,
	}
	return cmd
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}

	text := strings.Join(args, " ")
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("nothing to process: pass text as an argument or on stdin")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetch := fetcher.New(fetcher.Config{Logger: logger})
	p := pipeline.New(pipeline.Config{
		Fetcher: fetch,
		Logger:  logger,
		Policy:  cfg.Policy.ToPolicy(),
	})

	chain := p.Handle(ctx, text)
	out, err := json.MarshalIndent(chain, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (webhook + websocket in, channels out)",
		Long:  "Starts all enabled channels and the processing pipeline. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, cleanup, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bufSize := cfg.General.BusBufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	messageBus := bus.New(bufSize, logger)
	events := bus.NewEventBus(logger)

	fetchCfg := fetcher.Config{Logger: logger}
	var imageCache *cache.SQLiteCache
	if cfg.Cache.Enabled {
		imageCache, err = cache.NewSQLiteCache(cfg.Cache.DBPath, logger)
		if err != nil {
			return fmt.Errorf("image cache: %w", err)
		}
		defer imageCache.Close()
		fetchCfg.Cache = imageCache

		retention := time.Duration(cfg.Cache.RetentionDays) * 24 * time.Hour
		if removed, err := imageCache.Prune(ctx, retention); err != nil {
			logger.Warn("cache prune failed", "err", err)
		} else if removed > 0 {
			logger.Info("cache pruned", "removed", removed)
		}
		go pruneLoop(ctx, imageCache, retention)
	}

	fetch := fetcher.New(fetchCfg)
	p := pipeline.New(pipeline.Config{
		Bus:     messageBus,
		Fetcher: fetch,
		Events:  events,
		Logger:  logger,
		Policy:  cfg.Policy.ToPolicy(),
		Workers: cfg.General.MaxConcurrentMessages,
	})
	go p.Run(ctx)

	channels := enabledChannels(cfg)
	if len(channels) == 0 {
		return fmt.Errorf("no channels enabled; enable at least the webhook in %s", cfgPath)
	}
	for _, ch := range channels {
		ch := ch
		go func() {
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel error", "channel", ch.Name(), "err", err)
			}
		}()
		logger.Info("channel enabled", "channel", ch.Name())
	}

	logger.Info("gateway started. Press Ctrl+C to stop.", "version", version)

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("shutting down gateway...")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			ch.Stop()
		}
		messageBus.Close()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// enabledChannels builds the adapter list from config.
func enabledChannels(cfg *config.Config) []domain.Channel {
	var channels []domain.Channel

	if cfg.Channels.Webhook.Enabled {
		metricsEndpoint := ""
		if cfg.Metrics.Enabled {
			metricsEndpoint = cfg.Metrics.Endpoint
		}
		channels = append(channels, channel.NewWebhook(channel.WebhookOptions{
			Host:            cfg.Channels.Webhook.Host,
			Port:            cfg.Channels.Webhook.Port,
			Path:            cfg.Channels.Webhook.Path,
			Secret:          cfg.Channels.Webhook.Secret,
			MetricsEndpoint: metricsEndpoint,
			Logger:          logger,
		}))
	}
	if cfg.Channels.Websocket.Enabled {
		channels = append(channels, channel.NewWebSocketChannel(channel.WSOptions{
			Host:   cfg.Channels.Websocket.Host,
			Port:   cfg.Channels.Websocket.Port,
			Path:   cfg.Channels.Websocket.Path,
			Logger: logger,
		}))
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		channels = append(channels, channel.NewTelegram(channel.TelegramOptions{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Logger:    logger,
		}))
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		channels = append(channels, channel.NewDiscord(channel.DiscordOptions{
			Token:  cfg.Channels.Discord.Token,
			Logger: logger,
		}))
	}
	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken != "" {
		channels = append(channels, channel.NewSlack(channel.SlackOptions{
			BotToken: cfg.Channels.Slack.BotToken,
			Logger:   logger,
		}))
	}
	if cfg.Channels.CLI.Enabled {
		channels = append(channels, channel.NewCLI(channel.CLIOptions{Logger: logger}))
	}
	return channels
}

func pruneLoop(ctx context.Context, c *cache.SQLiteCache, retention time.Duration) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := c.Prune(ctx, retention); err != nil {
				logger.Warn("cache prune failed", "err", err)
			} else if removed > 0 {
				logger.Info("cache pruned", "removed", removed)
			}
		}
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. policy.failureMode)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. policy.failureMode skip-segment)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
