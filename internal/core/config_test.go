package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// TestLoadConfigDefaults tests that a missing default file yields defaults
func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("CATEGORY_ID", "")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Gateway.Backend != "discord" || cfg.Events.Workers != 4 || cfg.Events.QueueSize != 64 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CallTimeout().Seconds() != 15 {
		t.Fatalf("unexpected call timeout %v", cfg.CallTimeout())
	}
}

// TestLoadConfigFileAndSecrets tests YAML parsing with secrets.env and env overrides
func TestLoadConfigFileAndSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `discord:
  category_id: "111"
gateway:
  backend: memory
  requests_per_second: 2
events:
  workers: 1
journal:
  path: ""
`)
	writeFile(t, filepath.Join(dir, "secrets.env"), "# bot\nexport DISCORD_TOKEN=\"from-file\"\nCATEGORY_ID=222\n")
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("CATEGORY_ID", "333")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Discord.Token != "from-file" {
		t.Errorf("token from secrets.env expected, got %q", cfg.Discord.Token)
	}
	if cfg.Discord.CategoryID != "333" {
		t.Errorf("environment should win, got %q", cfg.Discord.CategoryID)
	}
	if cfg.Gateway.Backend != "memory" || cfg.Gateway.RequestsPerSecond != 2 || cfg.Events.Workers != 1 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Gateway.Burst != 5 {
		t.Errorf("unset fields should keep defaults, burst=%d", cfg.Gateway.Burst)
	}
	if cfg.Journal.Path != "" {
		t.Errorf("journal should be disabled, got %q", cfg.Journal.Path)
	}
}

// TestLoadConfigExplicitMissing tests that an explicit path must exist
func TestLoadConfigExplicitMissing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

// TestLoadConfigInvalidYAML tests parse errors
func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "discord: [unterminated")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

// TestValidate tests configuration validation
func TestValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Discord.Token = "t"
	valid.Discord.CategoryID = "123"
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*Config){
		"discord.category_id": func(c *Config) { c.Discord.CategoryID = "" },
		"discord.token":       func(c *Config) { c.Discord.Token = "" },
		"events.workers":      func(c *Config) { c.Events.Workers = 0 },
	}
	for field, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		var cfgErr ConfigError
		if err := cfg.Validate(); !errors.As(err, &cfgErr) || cfgErr.Field != field {
			t.Errorf("%s: expected ConfigError, got %v", field, err)
		}
	}

	notID := valid
	notID.Discord.CategoryID = "voice"
	if err := notID.Validate(); err == nil {
		t.Errorf("non-numeric category id accepted")
	}

	memoryBackend := valid
	memoryBackend.Discord.Token = ""
	memoryBackend.Gateway.Backend = "memory"
	if err := memoryBackend.Validate(); err != nil {
		t.Errorf("memory backend needs no token: %v", err)
	}
}

// TestLoadSecretsEnvMissing tests that a missing secrets file is not an error
func TestLoadSecretsEnvMissing(t *testing.T) {
	secrets, err := LoadSecretsEnv(filepath.Join(t.TempDir(), "secrets.env"))
	if err != nil || len(secrets) != 0 {
		t.Fatalf("expected empty secrets, got %v, %v", secrets, err)
	}
}
