// Package config defines the on-disk configuration for mdtoimage and its
// loading rules: JSON or YAML by extension, ${VAR} environment expansion,
// and validation before anything starts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yumo666666/MdToImage/internal/domain"
)

// Config is the root configuration for mdtoimage.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general"`
	Policy   PolicyConfig   `json:"policy" yaml:"policy"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel              string `json:"logLevel" yaml:"logLevel"`
	LogFile               string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages" yaml:"maxConcurrentMessages"`
	BusBufferSize         int    `json:"busBufferSize,omitempty" yaml:"busBufferSize,omitempty"`
}

// PolicyConfig is the wire form of the processing policy. Durations are
// plain millisecond integers so the file stays editable by hand.
type PolicyConfig struct {
	TriggerSubstring     string `json:"triggerSubstring" yaml:"triggerSubstring"`
	FixedReply           string `json:"fixedReply" yaml:"fixedReply"`
	FetchTimeoutMs       int    `json:"fetchTimeoutMs" yaml:"fetchTimeoutMs"`
	AssemblyTimeoutMs    int    `json:"assemblyTimeoutMs" yaml:"assemblyTimeoutMs"`
	MaxImageSizeBytes    int64  `json:"maxImageSizeBytes" yaml:"maxImageSizeBytes"`
	FailureMode          string `json:"failureMode" yaml:"failureMode"` // "skip-segment" | "keep-as-text-link"
	MaxConcurrentFetches int    `json:"maxConcurrentFetches" yaml:"maxConcurrentFetches"`
}

// ToPolicy converts the wire form into the runtime policy.
func (p PolicyConfig) ToPolicy() domain.Policy {
	return domain.Policy{
		TriggerSubstring:     p.TriggerSubstring,
		FixedReply:           p.FixedReply,
		FetchTimeout:         time.Duration(p.FetchTimeoutMs) * time.Millisecond,
		AssemblyTimeout:      time.Duration(p.AssemblyTimeoutMs) * time.Millisecond,
		MaxImageSize:         p.MaxImageSizeBytes,
		FailureMode:          domain.FailureMode(p.FailureMode),
		MaxConcurrentFetches: p.MaxConcurrentFetches,
	}
}

// CacheConfig configures the sqlite-backed fetched-image cache.
type CacheConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

type ChannelsConfig struct {
	Webhook   WebhookConfig   `json:"webhook" yaml:"webhook"`
	Websocket WebsocketConfig `json:"websocket" yaml:"websocket"`
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Discord   DiscordConfig   `json:"discord,omitempty" yaml:"discord,omitempty"`
	Slack     SlackConfig     `json:"slack,omitempty" yaml:"slack,omitempty"`
	CLI       CLIConfig       `json:"cli" yaml:"cli"`
}

// WebhookConfig configures the inbound HTTP endpoint that plugin hosts POST
// raw responses to.
type WebhookConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
	Secret  string `json:"secret,omitempty" yaml:"secret,omitempty"` // HMAC-SHA256 signing key, empty disables verification
}

// WebsocketConfig configures the bidirectional host link: raw responses in,
// assembled chains out.
type WebsocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Token     string         `json:"token" yaml:"token"`
	AllowFrom FlexStringList `json:"allowFrom" yaml:"allowFrom"`
	ParseMode string         `json:"parseMode" yaml:"parseMode"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken"`
	AppToken string `json:"appToken,omitempty" yaml:"appToken,omitempty"`
}

type CLIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// MetricsConfig configures the Prometheus-text metrics endpoint, mounted on
// the webhook listener.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalYAML(value *yaml.Node) error {
	var ss []string
	if err := value.Decode(&ss); err == nil {
		*f = ss
		return nil
	}
	var mixed []any
	if err := value.Decode(&mixed); err != nil {
		return err
	}
	result := make([]string, 0, len(mixed))
	for _, item := range mixed {
		result = append(result, fmt.Sprint(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.mdtoimage).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mdtoimage"
	}
	return filepath.Join(home, ".mdtoimage")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads, env-expands, parses and validates the config at path. Files
// ending in .yaml/.yml parse as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAMLPath(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Cache.DBPath = ExpandPath(cfg.Cache.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAMLPath(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}

	if cfg.Policy.FetchTimeoutMs < 1 {
		errs = append(errs, "policy.fetchTimeoutMs must be >= 1")
	}
	if cfg.Policy.AssemblyTimeoutMs < 1 {
		errs = append(errs, "policy.assemblyTimeoutMs must be >= 1")
	}
	if cfg.Policy.MaxImageSizeBytes < 1 {
		errs = append(errs, "policy.maxImageSizeBytes must be >= 1")
	}
	if cfg.Policy.MaxConcurrentFetches < 1 || cfg.Policy.MaxConcurrentFetches > 64 {
		errs = append(errs, "policy.maxConcurrentFetches must be between 1 and 64")
	}
	switch domain.FailureMode(cfg.Policy.FailureMode) {
	case domain.FailureSkip, domain.FailureKeepLink:
		// valid
	default:
		errs = append(errs, fmt.Sprintf("policy.failureMode must be %q or %q", domain.FailureSkip, domain.FailureKeepLink))
	}

	if cfg.Cache.Enabled && cfg.Cache.RetentionDays < 1 {
		errs = append(errs, "cache.retentionDays must be >= 1")
	}

	if cfg.Channels.Webhook.Port < 0 || cfg.Channels.Webhook.Port > 65535 {
		errs = append(errs, "channels.webhook.port must be between 0 and 65535")
	}
	if cfg.Channels.Websocket.Port < 0 || cfg.Channels.Websocket.Port > 65535 {
		errs = append(errs, "channels.websocket.port must be between 0 and 65535")
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.BotToken == "" {
		errs = append(errs, "channels.slack.botToken is required when slack is enabled")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
