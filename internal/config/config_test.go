package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Orchestrator.RunTimeout != 5*time.Minute {
		t.Errorf("expected 5m run timeout, got %s", cfg.Orchestrator.RunTimeout)
	}
	if cfg.CRM.LeadCacheSize != 512 {
		t.Errorf("expected cache size 512, got %d", cfg.CRM.LeadCacheSize)
	}
	if cfg.ID.Strategy != "ksuid" {
		t.Errorf("expected ksuid id strategy, got %s", cfg.ID.Strategy)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leadflow.yaml")
	contents := `
server:
  port: 9090
orchestrator:
  run_timeout: 90s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("file port not applied: %d", cfg.Server.Port)
	}
	if cfg.Orchestrator.RunTimeout != 90*time.Second {
		t.Errorf("file timeout not applied: %s", cfg.Orchestrator.RunTimeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("file level not applied: %s", cfg.Logging.Level)
	}
	// Untouched keys keep defaults.
	if cfg.Storage.Driver != "memory" {
		t.Errorf("default driver lost: %s", cfg.Storage.Driver)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected port validation error")
	}

	cfg = base()
	cfg.Storage.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("expected missing DSN error")
	}

	cfg = base()
	cfg.Storage.Driver = "redis"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unknown driver error")
	}

	cfg = base()
	cfg.CRM.LeadCacheSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected cache size error")
	}

	cfg = base()
	cfg.ID.Strategy = "snowflake"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unknown id strategy error")
	}

	cfg = base()
	cfg.ID.Strategy = "uuidv7"
	if err := cfg.Validate(); err != nil {
		t.Errorf("uuidv7 strategy rejected: %v", err)
	}
}
