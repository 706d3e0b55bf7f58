// Package config loads the server configuration from loom.jsonc.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address  string `json:"address"`
	LogJSON  bool   `json:"log_json"`
	AuditLog bool   `json:"audit_log"`
}

// ModelsConfig holds the default model and the fixed fallback priority list
type ModelsConfig struct {
	Default   string   `json:"default"`
	Fallbacks []string `json:"fallbacks"`
}

// BreakerConfig holds circuit-breaker parameters
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	ResetSeconds     int `json:"reset_seconds"`
}

// LimitsConfig holds the pre-stream gate parameters
type LimitsConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// GatewayConfig holds the agent gateway connection settings
type GatewayConfig struct {
	BaseURL        string `json:"base_url"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RetentionConfig holds background cleanup and snapshot parameters
type RetentionConfig struct {
	CheckpointDays int    `json:"checkpoint_days"`
	PurgeSchedule  string `json:"purge_schedule"`  // cron expression
	BackupSchedule string `json:"backup_schedule"` // cron expression, empty disables
	BackupKeep     int    `json:"backup_keep"`
}

// Config is the full loaded configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Models    ModelsConfig    `json:"models"`
	Breaker   BreakerConfig   `json:"breaker"`
	Limits    LimitsConfig    `json:"limits"`
	Gateway   GatewayConfig   `json:"gateway"`
	Retention RetentionConfig `json:"retention"`
}

// Default returns the default configuration values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:  ":8080",
			LogJSON:  true,
			AuditLog: true,
		},
		Models: ModelsConfig{
			Default:   "claude-sonnet",
			Fallbacks: []string{"claude-sonnet", "gpt-4o", "gemini-pro"},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetSeconds:     60,
		},
		Limits: LimitsConfig{
			RequestsPerSecond: 2,
			Burst:             5,
		},
		Gateway: GatewayConfig{
			BaseURL:        "http://127.0.0.1:4747",
			APIKeyEnv:      "LOOM_GATEWAY_TOKEN",
			TimeoutSeconds: 600,
		},
		Retention: RetentionConfig{
			CheckpointDays: 7,
			PurgeSchedule:  "0 3 * * *",
			BackupSchedule: "30 3 * * *",
			BackupKeep:     14,
		},
	}
}

// Load reads configuration from configDir/loom.jsonc, layering the file
// over defaults. A missing file is not an error.
func Load(configDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, "loom.jsonc")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(stripComments(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Models.Default == "" && len(c.Models.Fallbacks) == 0 {
		return fmt.Errorf("models.default or models.fallbacks is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	return nil
}

// GatewayTimeout returns the per-invocation gateway timeout.
func (c *Config) GatewayTimeout() time.Duration {
	if c.Gateway.TimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

// ResetTimeout returns the breaker reset window as a duration.
func (c *Config) ResetTimeout() time.Duration {
	return time.Duration(c.Breaker.ResetSeconds) * time.Second
}

// stripComments removes // line comments from JSONC content. Comments
// inside strings are preserved.
func stripComments(data []byte) []byte {
	var out strings.Builder
	out.Grow(len(data))

	inString := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c == '"' && (i == 0 || data[i-1] != '\\') {
			inString = !inString
		}
		if !inString && c == '/' && i+1 < len(data) && data[i+1] == '/' {
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out.WriteByte('\n')
			}
			continue
		}
		out.WriteByte(c)
	}
	return []byte(out.String())
}
