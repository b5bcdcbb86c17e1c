package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 3978 {
		t.Errorf("default port: got %d, want 3978", cfg.Port)
	}
	if cfg.Redis.Addr() != "localhost:6379" {
		t.Errorf("default redis addr: got %s", cfg.Redis.Addr())
	}
	if cfg.DevRev.BaseURL != "https://api.devrev.ai" {
		t.Errorf("default devrev base url: got %s", cfg.DevRev.BaseURL)
	}
	if cfg.DevRev.WorkItemType != "custom_object" {
		t.Errorf("default work item type: got %s", cfg.DevRev.WorkItemType)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("port: 9000\nredis:\n  host: redis.internal\ndevrev:\n  api_token: from-file\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DEVREV_API_TOKEN", "from-env")
	t.Setenv("REDIS_PORT", "6380")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("file port: got %d, want 9000", cfg.Port)
	}
	if cfg.DevRev.APIToken != "from-env" {
		t.Errorf("env must override file: got %s", cfg.DevRev.APIToken)
	}
	if cfg.Redis.Addr() != "redis.internal:6380" {
		t.Errorf("redis addr: got %s", cfg.Redis.Addr())
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg.DevRev.WorkItemType = "epic"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation failure for unknown work item type")
	}
}
