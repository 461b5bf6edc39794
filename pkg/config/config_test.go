package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesHumanFriendlyValues(t *testing.T) {
	path := writeConfig(t, `
storage:
  db_path: /tmp/data
engine:
  model_path: /models/summarizer.bin
  max_content_bytes: 64KB
pool:
  capacity: 4
  acquire_timeout: 15s
dispatch:
  flush_interval: 250ms
controller:
  latency_ceiling: 2
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.MaxContentBytes.Int64() != 64000 {
		t.Fatalf("max_content_bytes = %d, want 64000", cfg.Engine.MaxContentBytes.Int64())
	}
	if cfg.Pool.AcquireTimeout.Duration() != 15*time.Second {
		t.Fatalf("acquire_timeout = %v", cfg.Pool.AcquireTimeout.Duration())
	}
	if cfg.Dispatch.FlushInterval.Duration() != 250*time.Millisecond {
		t.Fatalf("flush_interval = %v", cfg.Dispatch.FlushInterval.Duration())
	}
	// Bare numbers parse as seconds.
	if cfg.Controller.LatencyCeiling.Duration() != 2*time.Second {
		t.Fatalf("latency_ceiling = %v", cfg.Controller.LatencyCeiling.Duration())
	}
}

func TestLoadEffectivePrecedence(t *testing.T) {
	path := writeConfig(t, `
storage:
  db_path: /from/file
pool:
  capacity: 2
`)
	t.Setenv("CONDENSER_CONFIG", path)
	t.Setenv("CONDENSER_POOL_CAPACITY", "8")

	cfg, err := LoadEffective(Flags{
		DB:  "/from/flag",
		Set: map[string]bool{"db": true},
	})
	if err != nil {
		t.Fatalf("load effective: %v", err)
	}
	if cfg.Storage.DBPath != "/from/flag" {
		t.Fatalf("db_path = %q, flags must win", cfg.Storage.DBPath)
	}
	if cfg.Pool.Capacity != 8 {
		t.Fatalf("pool.capacity = %d, env must win over file", cfg.Pool.Capacity)
	}
}

func TestLoadEffectiveFillsDefaults(t *testing.T) {
	t.Setenv("CONDENSER_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := LoadEffective(Flags{Set: map[string]bool{}})
	if err != nil {
		t.Fatalf("load effective: %v", err)
	}
	if cfg.Dispatch.InitialBatchSize != 4 || cfg.Dispatch.MaxBatchSize != 16 {
		t.Fatalf("batch defaults = %d/%d", cfg.Dispatch.InitialBatchSize, cfg.Dispatch.MaxBatchSize)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("retry default = %d", cfg.Retry.MaxAttempts)
	}
}

func TestValidateRejectsBadBatchSizes(t *testing.T) {
	cfg := &Config{}
	cfg.fillDefaults()
	cfg.Dispatch.InitialBatchSize = 32
	cfg.Dispatch.MaxBatchSize = 8
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for initial > max batch size")
	}
}

func TestExplicitMissingConfigFails(t *testing.T) {
	_, err := LoadEffective(Flags{
		Config: "/nonexistent/config.yaml",
		Set:    map[string]bool{"config": true},
	})
	if err == nil {
		t.Fatalf("expected error for explicitly named missing config")
	}
}
