package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:8080" || cfg.WeekStart != "monday" || cfg.Storage.Type != "sqlite" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config perms = %o, want 600", perm)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("timezone: Australia/Perth\nweek_start: friday\nstorage:\n  type: redis\n  redis:\n    host: cache:6380\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timezone != "Australia/Perth" {
		t.Errorf("Timezone = %q", cfg.Timezone)
	}
	if cfg.WeekStart != "monday" {
		t.Errorf("unknown week_start not reset: %q", cfg.WeekStart)
	}
	if cfg.Storage.Type != "redis" || cfg.Storage.Redis.Host != "cache:6380" || cfg.Storage.Redis.Port != 0 {
		t.Errorf("redis config = %+v", cfg.Storage.Redis)
	}
	if cfg.FetchTimeoutDuration() != 20*time.Second {
		t.Errorf("FetchTimeout = %v", cfg.FetchTimeoutDuration())
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("HOWBEHIND_LISTEN", ":9999")
	t.Setenv("HOWBEHIND_STORAGE", "memory")
	t.Setenv("HOWBEHIND_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("HOWBEHIND_AUTH_USER", "admin")
	t.Setenv("HOWBEHIND_AUTH_PASSWORD", "secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9999" || cfg.Storage.Type != "memory" {
		t.Errorf("overrides not applied: listen=%q storage=%q", cfg.Listen, cfg.Storage.Type)
	}
	if cfg.Storage.Redis.Host != "redis.internal:6379" || cfg.Storage.Redis.Port != 0 {
		t.Errorf("redis addr = %s:%d", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port)
	}
	if cfg.BasicAuth == nil || cfg.BasicAuth.Username != "admin" {
		t.Errorf("BasicAuth = %+v", cfg.BasicAuth)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.RelayURL = "https://relay.example.com/proxy?url="
	cfg.BasicAuth = &BasicAuthConfig{Username: "u", Password: "p"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RelayURL != cfg.RelayURL || got.BasicAuth == nil || got.BasicAuth.Password != "p" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if _, err := got.Location(); err != nil {
		t.Fatalf("Location: %v", err)
	}
}
