// Package config provides configuration management for the Replicate proxy server.
// It handles loading and parsing the YAML configuration file, applying environment
// overrides, and exposes defaulted accessors for server, backend, streaming and limit settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is used when neither the config file nor PORT set one.
	DefaultPort = 8000

	// DefaultRequestTimeoutSeconds bounds a whole request end to end.
	DefaultRequestTimeoutSeconds = 600

	// DefaultReplicateBaseURL is the public Replicate API endpoint.
	DefaultReplicateBaseURL = "https://api.replicate.com"

	// EnvironmentProduction switches gin to release mode and caps log verbosity.
	EnvironmentProduction = "production"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`

	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port" json:"port"`

	// Environment names the deployment environment (development, production, ...).
	Environment string `yaml:"environment" json:"environment"`

	// Debug enables gin debug mode and debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LogLevel selects the logrus level (debug, info, warn, error, quiet).
	LogLevel string `yaml:"log-level,omitempty" json:"log-level,omitempty"`

	// LoggingToFile writes logs to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogFile configures log rotation when LoggingToFile is set.
	LogFile LogFileConfig `yaml:"log-file,omitempty" json:"log-file,omitempty"`

	// RequestTimeoutSeconds bounds normalization, the backend call and streaming together.
	// <= 0 means default (600).
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds,omitempty" json:"request-timeout-seconds,omitempty"`

	// Replicate configures the backend client.
	Replicate ReplicateConfig `yaml:"replicate" json:"replicate"`

	// Streaming configures SSE pacing and the fallback re-chunking.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`

	// Limits configures max_tokens clamping and credential checks.
	Limits LimitsConfig `yaml:"limits" json:"limits"`

	// DefaultModel is the public alias used when a request omits "model".
	DefaultModel string `yaml:"default-model,omitempty" json:"default-model,omitempty"`

	// Models overrides the built-in alias table when non-empty.
	Models []ModelAlias `yaml:"models,omitempty" json:"models,omitempty"`

	// CORS configures cross-origin response headers.
	CORS CORSConfig `yaml:"cors,omitempty" json:"cors,omitempty"`

	// MetricsEnabled toggles Prometheus collection and the /metrics endpoint.
	// nil means default (true).
	MetricsEnabled *bool `yaml:"metrics-enabled,omitempty" json:"metrics-enabled,omitempty"`
}

// LogFileConfig holds rotation settings for file logging.
type LogFileConfig struct {
	// Path is the log file location. Empty means "logs/replicate-proxy.log".
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	// MaxSizeMB rotates the file after this many megabytes. nil means default (50).
	MaxSizeMB *int `yaml:"max-size-mb,omitempty" json:"max-size-mb,omitempty"`
	// MaxBackups keeps at most this many rotated files. nil means default (5).
	MaxBackups *int `yaml:"max-backups,omitempty" json:"max-backups,omitempty"`
	// MaxAgeDays deletes rotated files older than this. nil means default (14).
	MaxAgeDays *int `yaml:"max-age-days,omitempty" json:"max-age-days,omitempty"`
}

// ReplicateConfig holds backend client settings.
type ReplicateConfig struct {
	// BaseURL overrides the Replicate API endpoint.
	BaseURL string `yaml:"base-url,omitempty" json:"base-url,omitempty"`

	// PreferWaitSeconds is sent as "Prefer: wait=N" on synchronous predictions.
	// nil means default (60). 0 disables the header.
	PreferWaitSeconds *int `yaml:"prefer-wait-seconds,omitempty" json:"prefer-wait-seconds,omitempty"`

	// PollIntervalMS controls how often unfinished predictions are polled.
	// nil means default (500).
	PollIntervalMS *int `yaml:"poll-interval-ms,omitempty" json:"poll-interval-ms,omitempty"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// ChunkDelayMS is the pause after each chunk forwarded from a live backend stream.
	// nil means default (10).
	ChunkDelayMS *int `yaml:"chunk-delay-ms,omitempty" json:"chunk-delay-ms,omitempty"`

	// FallbackChunkSize is the number of characters per synthesized chunk when the
	// stream falls back to a synchronous call. nil means default (15).
	FallbackChunkSize *int `yaml:"fallback-chunk-size,omitempty" json:"fallback-chunk-size,omitempty"`

	// FallbackChunkDelayMS is the pause between synthesized fallback chunks.
	// nil means default (20).
	FallbackChunkDelayMS *int `yaml:"fallback-chunk-delay-ms,omitempty" json:"fallback-chunk-delay-ms,omitempty"`

	// KeepAliveSeconds controls how often the server emits SSE heartbeats (": keep-alive\n\n").
	// <= 0 disables keep-alives. Default is 0.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}

// LimitsConfig holds request bound settings.
type LimitsConfig struct {
	// DefaultMaxTokens applies when max_tokens is absent, zero or below the minimum.
	DefaultMaxTokens *int `yaml:"default-max-tokens,omitempty" json:"default-max-tokens,omitempty"`
	// MinMaxTokens is the lowest accepted max_tokens.
	MinMaxTokens *int `yaml:"min-max-tokens,omitempty" json:"min-max-tokens,omitempty"`
	// MaxMaxTokens caps max_tokens.
	MaxMaxTokens *int `yaml:"max-max-tokens,omitempty" json:"max-max-tokens,omitempty"`
	// MinCredentialLength rejects bearer tokens shorter than this.
	MinCredentialLength *int `yaml:"min-credential-length,omitempty" json:"min-credential-length,omitempty"`
}

// ModelAlias maps a public model name onto a Replicate model reference.
type ModelAlias struct {
	// Alias is the name clients send in "model".
	Alias string `yaml:"alias" json:"alias"`
	// ReplicateID is "owner/name" or "owner/name:version".
	ReplicateID string `yaml:"replicate-id" json:"replicate-id"`
	// OwnedBy is reported in /v1/models.
	OwnedBy string `yaml:"owned-by,omitempty" json:"owned-by,omitempty"`
	// DisplayName is an optional human-readable label.
	DisplayName string `yaml:"display-name,omitempty" json:"display-name,omitempty"`
}

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	AllowOrigins []string `yaml:"allow-origins,omitempty" json:"allow-origins,omitempty"`
	AllowHeaders []string `yaml:"allow-headers,omitempty" json:"allow-headers,omitempty"`
	AllowMethods []string `yaml:"allow-methods,omitempty" json:"allow-methods,omitempty"`
}

// LoadConfig reads the YAML file at path. A missing file yields an empty configuration
// so the service can run from environment variables alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot be served.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Limits.GetMinMaxTokens() > c.Limits.GetMaxMaxTokens() {
		return fmt.Errorf("limits.min-max-tokens (%d) exceeds limits.max-max-tokens (%d)", c.Limits.GetMinMaxTokens(), c.Limits.GetMaxMaxTokens())
	}
	if c.Streaming.GetFallbackChunkSize() <= 0 {
		return fmt.Errorf("streaming.fallback-chunk-size must be positive")
	}
	for i, m := range c.Models {
		if strings.TrimSpace(m.Alias) == "" || strings.TrimSpace(m.ReplicateID) == "" {
			return fmt.Errorf("models[%d]: alias and replicate-id are required", i)
		}
	}
	return nil
}

// ApplyEnvironment overlays environment variables onto the loaded configuration.
// lookup is normally os.LookupEnv; tests inject their own.
func (c *Config) ApplyEnvironment(lookup func(string) (string, bool)) {
	if c == nil || lookup == nil {
		return
	}
	get := func(keys ...string) (string, bool) {
		for _, key := range keys {
			if value, ok := lookup(key); ok {
				if trimmed := strings.TrimSpace(value); trimmed != "" {
					return trimmed, true
				}
			}
		}
		return "", false
	}
	if v, ok := get("PORT"); ok {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			c.Port = port
		}
	}
	if v, ok := get("HOST"); ok {
		c.Host = v
	}
	if v, ok := get("ENVIRONMENT", "DEPLOY"); ok {
		c.Environment = strings.ToLower(v)
	}
	if v, ok := get("REPLICATE_BASE_URL"); ok {
		c.Replicate.BaseURL = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
}

// IsProduction reports whether the deployment flag names production.
func (c *Config) IsProduction() bool {
	return c != nil && strings.EqualFold(strings.TrimSpace(c.Environment), EnvironmentProduction)
}

// GetPort returns the listen port, defaulting to 8000.
func (c *Config) GetPort() int {
	if c == nil || c.Port <= 0 {
		return DefaultPort
	}
	return c.Port
}

// GetRequestTimeout returns the end-to-end request budget, defaulting to 600 seconds.
func (c *Config) GetRequestTimeout() time.Duration {
	if c == nil || c.RequestTimeoutSeconds <= 0 {
		return DefaultRequestTimeoutSeconds * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// IsMetricsEnabled returns whether metrics are collected, defaulting to true.
func (c *Config) IsMetricsEnabled() bool {
	if c == nil || c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

// EffectiveLogLevel resolves the level string, honoring Debug and capping production at info.
func (c *Config) EffectiveLogLevel() string {
	if c == nil {
		return "info"
	}
	level := strings.ToLower(strings.TrimSpace(c.LogLevel))
	if level == "" && c.Debug {
		level = "debug"
	}
	if c.IsProduction() && (level == "debug" || level == "verbose") {
		level = "info"
	}
	if level == "" {
		level = "info"
	}
	return level
}

// GetBaseURL returns the Replicate endpoint, defaulting to the public API.
func (c *ReplicateConfig) GetBaseURL() string {
	if c == nil || strings.TrimSpace(c.BaseURL) == "" {
		return DefaultReplicateBaseURL
	}
	return strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
}

// GetPreferWait returns the synchronous wait hint, defaulting to 60 seconds.
func (c *ReplicateConfig) GetPreferWait() time.Duration {
	if c == nil || c.PreferWaitSeconds == nil {
		return 60 * time.Second
	}
	if *c.PreferWaitSeconds <= 0 {
		return 0
	}
	return time.Duration(*c.PreferWaitSeconds) * time.Second
}

// GetPollInterval returns the prediction poll interval, defaulting to 500ms.
func (c *ReplicateConfig) GetPollInterval() time.Duration {
	if c == nil || c.PollIntervalMS == nil || *c.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(*c.PollIntervalMS) * time.Millisecond
}

// GetChunkDelay returns the pacing delay for live stream chunks, defaulting to 10ms.
func (c *StreamingConfig) GetChunkDelay() time.Duration {
	if c == nil || c.ChunkDelayMS == nil {
		return 10 * time.Millisecond
	}
	if *c.ChunkDelayMS <= 0 {
		return 0
	}
	return time.Duration(*c.ChunkDelayMS) * time.Millisecond
}

// GetFallbackChunkSize returns the fallback re-chunk size, defaulting to 15.
func (c *StreamingConfig) GetFallbackChunkSize() int {
	if c == nil || c.FallbackChunkSize == nil {
		return 15
	}
	return *c.FallbackChunkSize
}

// GetFallbackChunkDelay returns the pacing delay for fallback chunks, defaulting to 20ms.
func (c *StreamingConfig) GetFallbackChunkDelay() time.Duration {
	if c == nil || c.FallbackChunkDelayMS == nil {
		return 20 * time.Millisecond
	}
	if *c.FallbackChunkDelayMS <= 0 {
		return 0
	}
	return time.Duration(*c.FallbackChunkDelayMS) * time.Millisecond
}

// GetKeepAlive returns the heartbeat interval, or 0 when disabled.
func (c *StreamingConfig) GetKeepAlive() time.Duration {
	if c == nil || c.KeepAliveSeconds <= 0 {
		return 0
	}
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// GetDefaultMaxTokens returns the default max_tokens, defaulting to 4096.
func (c *LimitsConfig) GetDefaultMaxTokens() int {
	if c == nil || c.DefaultMaxTokens == nil {
		return 4096
	}
	return *c.DefaultMaxTokens
}

// GetMinMaxTokens returns the lowest accepted max_tokens, defaulting to 16.
func (c *LimitsConfig) GetMinMaxTokens() int {
	if c == nil || c.MinMaxTokens == nil {
		return 16
	}
	return *c.MinMaxTokens
}

// GetMaxMaxTokens returns the max_tokens ceiling, defaulting to 8192.
func (c *LimitsConfig) GetMaxMaxTokens() int {
	if c == nil || c.MaxMaxTokens == nil {
		return 8192
	}
	return *c.MaxMaxTokens
}

// GetMinCredentialLength returns the shortest accepted bearer token, defaulting to 8.
func (c *LimitsConfig) GetMinCredentialLength() int {
	if c == nil || c.MinCredentialLength == nil {
		return 8
	}
	return *c.MinCredentialLength
}

// GetLogPath returns the log file location.
func (c *LogFileConfig) GetLogPath() string {
	if c == nil || strings.TrimSpace(c.Path) == "" {
		return "logs/replicate-proxy.log"
	}
	return c.Path
}

// GetMaxSizeMB returns the rotation size, defaulting to 50.
func (c *LogFileConfig) GetMaxSizeMB() int {
	if c == nil || c.MaxSizeMB == nil {
		return 50
	}
	return *c.MaxSizeMB
}

// GetMaxBackups returns how many rotated files are kept, defaulting to 5.
func (c *LogFileConfig) GetMaxBackups() int {
	if c == nil || c.MaxBackups == nil {
		return 5
	}
	return *c.MaxBackups
}

// GetMaxAgeDays returns the retention in days, defaulting to 14.
func (c *LogFileConfig) GetMaxAgeDays() int {
	if c == nil || c.MaxAgeDays == nil {
		return 14
	}
	return *c.MaxAgeDays
}
