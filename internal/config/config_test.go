package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Run.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v, want 10s", cfg.Run.PollInterval)
	}
	if cfg.Run.SkipPolicy != "skip" || cfg.Run.DeletePolicy != "on-success" {
		t.Errorf("policies = %q/%q", cfg.Run.SkipPolicy, cfg.Run.DeletePolicy)
	}
	if cfg.History.Backend != "noop" || cfg.Notify.Mode != "log" {
		t.Errorf("backends = %q/%q", cfg.History.Backend, cfg.Notify.Mode)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remote-run.yaml")
	yml := `
server:
  url: https://ci.example.com
  user: alice
  password: secret
run:
  poll_interval: 2s
  delete_policy: never
archive:
  backend: s3
  bucket: patches
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REMOTE_RUN_SERVER_URL", "https://override.example.com")
	t.Setenv("REMOTE_RUN_POLL_TIMEOUT", "1m")
	t.Setenv("REMOTE_RUN_METRICS_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != "https://override.example.com" {
		t.Errorf("URL = %q, env should win over file", cfg.Server.URL)
	}
	if cfg.Server.User != "alice" {
		t.Errorf("User = %q", cfg.Server.User)
	}
	if cfg.Run.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.Run.PollInterval)
	}
	if cfg.Run.PollTimeout != time.Minute {
		t.Errorf("PollTimeout = %v, want 1m", cfg.Run.PollTimeout)
	}
	if cfg.Run.DeletePolicy != "never" {
		t.Errorf("DeletePolicy = %q", cfg.Run.DeletePolicy)
	}
	// untouched defaults survive a partial file
	if cfg.Archive.Prefix != "remote-run/" {
		t.Errorf("Archive.Prefix = %q", cfg.Archive.Prefix)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be set from env")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("REMOTE_RUN_POLL_INTERVAL", "soon")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "REMOTE_RUN_POLL_INTERVAL") {
		t.Errorf("Load error = %v, want POLL_INTERVAL parse error", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want ErrNotExist", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Server.URL = "https://ci.example.com"
	valid.Server.Token = "t"

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"no url", func(c *Config) { c.Server.URL = "" }, "server url is required"},
		{"bad scheme", func(c *Config) { c.Server.URL = "ftp://x" }, "http or https"},
		{"no credentials", func(c *Config) { c.Server.Token = "" }, "token or user"},
		{"user without password", func(c *Config) { c.Server.Token = ""; c.Server.User = "u" }, "token or user"},
		{"skip policy", func(c *Config) { c.Run.SkipPolicy = "maybe" }, "skip policy"},
		{"delete policy", func(c *Config) { c.Run.DeletePolicy = "sometimes" }, "delete policy"},
		{"s3 without bucket", func(c *Config) { c.Archive.Backend = "s3" }, "archive bucket"},
		{"postgres without dsn", func(c *Config) { c.History.Backend = "postgres" }, "history dsn"},
		{"http without endpoint", func(c *Config) { c.Notify.Mode = "http" }, "notify endpoint"},
		{"negative", func(c *Config) { c.Run.PollInterval = -time.Second }, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidConfig) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want %q", err, tt.want)
			}
		})
	}
}
