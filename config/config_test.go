package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9000
lock:
  backend: redis
  ttl: 2s
notify:
  timeout: 1s
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	defer func() { AppConfig = Default() }()

	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Lock.Backend != "redis" || cfg.Lock.TTL != 2*time.Second {
		t.Errorf("Unexpected lock config: %+v", cfg.Lock)
	}
	if cfg.Notify.Timeout != time.Second {
		t.Errorf("Expected notify timeout 1s, got %v", cfg.Notify.Timeout)
	}
	// 未配置的字段保留默认值
	if cfg.Round.MaxRetries != 5 {
		t.Errorf("Expected default round.max_retries 5, got %d", cfg.Round.MaxRetries)
	}
	if cfg.GraphQL.Path != "/graphql" {
		t.Errorf("Expected default graphql path, got %q", cfg.GraphQL.Path)
	}
	if AppConfig.Server.Port != 9000 {
		t.Errorf("Expected AppConfig to be updated, got port %d", AppConfig.Server.Port)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Expected error for missing config file")
	}
}
