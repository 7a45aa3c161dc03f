package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrentMessages: 8,
			BusBufferSize:         64,
		},
		Policy: PolicyConfig{
			TriggerSubstring:     "测试",
			FixedReply:           "收到",
			FetchTimeoutMs:       10_000,
			AssemblyTimeoutMs:    30_000,
			MaxImageSizeBytes:    10 << 20,
			FailureMode:          "keep-as-text-link",
			MaxConcurrentFetches: 4,
		},
		Cache: CacheConfig{
			Enabled:       true,
			DBPath:        "~/.mdtoimage/cache.db",
			RetentionDays: 7,
		},
		Channels: ChannelsConfig{
			Webhook: WebhookConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8080,
				Path:    "/webhook/response",
			},
			Websocket: WebsocketConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8081,
				Path:    "/ws",
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			Discord: DiscordConfig{
				Enabled: false,
			},
			Slack: SlackConfig{
				Enabled: false,
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
