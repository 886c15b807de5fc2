package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != DefaultHTTPAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultHTTPAddr, cfg.Server.Addr)
	}
	if cfg.Reaper.InactivityTimeout.Duration != 30*time.Minute {
		t.Fatalf("expected 30m inactivity default, got %s", cfg.Reaper.InactivityTimeout.Duration)
	}
	if cfg.Pending.MaxAttempts != 5 {
		t.Fatalf("expected 5 pending attempts, got %d", cfg.Pending.MaxAttempts)
	}
}

func TestLoadOverridesAndDurations(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
addr = ":9999"

[reaper]
inactivity_timeout = "45m"

[channel]
gateway_url = "ws://gateway.local/session"
connect_timeout = "90s"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("expected overridden addr, got %q", cfg.Server.Addr)
	}
	if cfg.Reaper.InactivityTimeout.Duration != 45*time.Minute {
		t.Fatalf("expected 45m, got %s", cfg.Reaper.InactivityTimeout.Duration)
	}
	if cfg.Channel.ConnectTimeout.Duration != 90*time.Second {
		t.Fatalf("expected 90s connect timeout, got %s", cfg.Channel.ConnectTimeout.Duration)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected untouched default level, got %q", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[log]
level = "verbose"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad log level")
	}
}
