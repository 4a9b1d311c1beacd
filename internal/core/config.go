package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration for voicepool.
type Config struct {
	Discord struct {
		Token            string `yaml:"token"`
		CategoryID       string `yaml:"category_id"`
		RegisterCommands bool   `yaml:"register_commands"`
	} `yaml:"discord"`
	Gateway struct {
		Backend            string  `yaml:"backend"`
		RequestsPerSecond  float64 `yaml:"requests_per_second"`
		Burst              int     `yaml:"burst"`
		CallTimeoutSeconds int     `yaml:"call_timeout_seconds"`
	} `yaml:"gateway"`
	Events struct {
		QueueSize int `yaml:"queue_size"`
		Workers   int `yaml:"workers"`
	} `yaml:"events"`
	Telemetry struct {
		Enabled         bool   `yaml:"enabled"`
		MonitoringAddr  string `yaml:"monitoring_addr"`
		MetricsInterval int    `yaml:"metrics_interval"`
	} `yaml:"telemetry"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
}

// ConfigError reports a missing or invalid setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() Config {
	var cfg Config
	cfg.Discord.RegisterCommands = true
	cfg.Gateway.Backend = "discord"
	cfg.Gateway.RequestsPerSecond = 5
	cfg.Gateway.Burst = 5
	cfg.Gateway.CallTimeoutSeconds = 15
	cfg.Events.QueueSize = 64
	cfg.Events.Workers = 4
	cfg.Telemetry.MonitoringAddr = "127.0.0.1:9464"
	cfg.Telemetry.MetricsInterval = 60
	cfg.Journal.Path = filepath.Join(ConfigDir(), "journal.db")
	return cfg
}

// ConfigDir resolves $XDG_CONFIG_HOME/voicepool or ~/.config/voicepool.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "voicepool")
}

// LoadConfig reads YAML configuration from a path on top of the defaults. If
// path is empty, it resolves config.yaml in ConfigDir and tolerates its absence.
// Secrets from secrets.env and the environment override the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Keep the token out of YAML where possible
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	for _, key := range []string{"DISCORD_TOKEN", "CATEGORY_ID"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if t := secrets["DISCORD_TOKEN"]; t != "" {
		cfg.Discord.Token = t
	}
	if id := secrets["CATEGORY_ID"]; id != "" {
		cfg.Discord.CategoryID = id
	}
	return cfg, nil
}

// CallTimeout is the per-call gateway timeout.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Gateway.CallTimeoutSeconds) * time.Second
}

// Validate checks the settings serve needs.
func (c Config) Validate() error {
	if c.Discord.CategoryID == "" {
		return ConfigError{Field: "discord.category_id", Message: "category id is required; set it in config.yaml or CATEGORY_ID"}
	}
	if strings.Trim(c.Discord.CategoryID, "0123456789") != "" {
		return ConfigError{Field: "discord.category_id", Message: fmt.Sprintf("%q is not a snowflake id", c.Discord.CategoryID)}
	}
	if c.Gateway.Backend == "discord" && c.Discord.Token == "" {
		return ConfigError{Field: "discord.token", Message: "bot token is required; set DISCORD_TOKEN or secrets.env"}
	}
	if c.Events.Workers < 1 {
		return ConfigError{Field: "events.workers", Message: "must be at least 1"}
	}
	return nil
}
