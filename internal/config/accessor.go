package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// asMap round-trips the config through JSON so paths follow the json tags.
func asMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath retrieves a config value by dot-notation path
// (e.g. "policy.triggerSubstring"). The schema is fixed, so an unknown
// path is an error rather than a nil.
func GetByPath(cfg *Config, path string) (any, error) {
	flat := ListPaths(cfg)
	if v, ok := flat[path]; ok {
		return v, nil
	}
	// Allow addressing a whole section ("channels.telegram").
	m, err := asMap(cfg)
	if err != nil {
		return nil, err
	}
	var current any = m
	for _, key := range strings.Split(path, ".") {
		section, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
		if current, ok = section[key]; !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return current, nil
}

// SetByPath sets a config value by dot-notation path. Only leaf paths that
// already exist in the schema can be set; string values are coerced to
// bool/int/float where they parse as one.
func SetByPath(cfg *Config, path string, value any) error {
	m, err := asMap(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}

	leaf := parts[len(parts)-1]
	existing, ok := parent[leaf]
	if !ok {
		return fmt.Errorf("key not found: %s", path)
	}
	if _, isSection := existing.(map[string]any); isSection {
		return fmt.Errorf("%s is a section, not a value", path)
	}
	parent[leaf] = parseValue(value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// parseValue coerces string input from the CLI to its natural type.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "true" {
		return true
	}
	if s == "false" {
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var copy Config
	if err := json.Unmarshal(data, &copy); err != nil {
		return cfg
	}

	if copy.Channels.Telegram.Token != "" {
		copy.Channels.Telegram.Token = maskString(copy.Channels.Telegram.Token)
	}
	if copy.Channels.Discord.Token != "" {
		copy.Channels.Discord.Token = maskString(copy.Channels.Discord.Token)
	}
	if copy.Channels.Slack.BotToken != "" {
		copy.Channels.Slack.BotToken = maskString(copy.Channels.Slack.BotToken)
	}
	if copy.Channels.Slack.AppToken != "" {
		copy.Channels.Slack.AppToken = maskString(copy.Channels.Slack.AppToken)
	}
	if copy.Channels.Webhook.Secret != "" {
		copy.Channels.Webhook.Secret = "***"
	}

	return &copy
}

// maskString shows first 4 and last 4 chars, masks the rest.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf config path with its current value.
func ListPaths(cfg *Config) map[string]any {
	m, err := asMap(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenMap("", m, result)
	return result
}

func flattenMap(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if section, ok := v.(map[string]any); ok {
			flattenMap(path, section, result)
			continue
		}
		result[path] = v
	}
}
