// Package config handles caregent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./caregent.yaml, ~/.config/caregent/caregent.yaml, /etc/caregent/caregent.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"caregent.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "caregent", "caregent.yaml"))
	}

	paths = append(paths, "/etc/caregent/caregent.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all caregent configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Limits    LimitsConfig    `yaml:"limits"`
	Engine    EngineConfig    `yaml:"engine"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	UsageDB   string          `yaml:"usage_db"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines the Anthropic provider settings.
type AnthropicConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	// MaxRetries is the maximum number of attempts for a single provider
	// call (429 and transient 5xx failures).
	MaxRetries int `yaml:"max_retries"`
	// RetryDelaySeconds is the base delay for exponential backoff on
	// transient failures.
	RetryDelaySeconds float64 `yaml:"retry_delay_seconds"`
}

// LimitsConfig defines token budgets and provider admission limits.
type LimitsConfig struct {
	// MaxMessageTokens is the per-message ceiling. A single inbound
	// message whose estimated token count exceeds this is rejected
	// before it joins any conversation.
	MaxMessageTokens int `yaml:"max_message_tokens"`
	// MaxConversationTokens bounds the estimated size of the whole
	// outgoing conversation (system prompt + tools + messages).
	MaxConversationTokens int `yaml:"max_conversation_tokens"`
	// TokenHeadroom is reserved out of the context budget for the
	// model's own response.
	TokenHeadroom     int `yaml:"token_headroom"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute"`
}

// EngineConfig bounds a single conversation run.
type EngineConfig struct {
	// MaxTurns is the hard per-run ceiling on provider round-trips.
	MaxTurns int `yaml:"max_turns"`
	// MaxErrorRetries caps consecutive error-recovery transitions
	// before the run is forced to end.
	MaxErrorRetries int `yaml:"max_error_retries"`
}

// SessionsConfig defines session storage settings.
type SessionsConfig struct {
	// Driver selects the session store backend: "memory" or "redis".
	Driver         string `yaml:"driver"`
	TimeoutMinutes int    `yaml:"timeout_minutes"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisDB        int    `yaml:"redis_db"`
}

// RetryDelay returns the backoff base delay as a duration.
func (c AnthropicConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds * float64(time.Second))
}

// SessionTimeout returns the inactivity timeout as a duration.
func (c SessionsConfig) SessionTimeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, so secrets like the API key can
// be referenced as ${ANTHROPIC_API_KEY}.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Anthropic: AnthropicConfig{
			Model:             "claude-3-5-sonnet-20241022",
			MaxTokens:         1000,
			Temperature:       0.1,
			MaxRetries:        3,
			RetryDelaySeconds: 1.0,
		},
		Limits: LimitsConfig{
			MaxMessageTokens:      2000,
			MaxConversationTokens: 180000,
			TokenHeadroom:         4096,
			RequestsPerMinute:     50,
			TokensPerMinute:       40000,
		},
		Engine: EngineConfig{
			MaxTurns:        10,
			MaxErrorRetries: 3,
		},
		Sessions: SessionsConfig{
			Driver:         "memory",
			TimeoutMinutes: 60,
		},
		UsageDB:  "caregent-usage.db",
		LogLevel: "info",
	}
}
