package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Engine     EngineConfig     `yaml:"engine"`
	Pool       PoolConfig       `yaml:"pool"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Controller ControllerConfig `yaml:"controller"`
	Retry      RetryConfig      `yaml:"retry"`
	Source     SourceConfig     `yaml:"source"`
	Retention  RetentionConfig  `yaml:"retention"`
	Ops        OpsConfig        `yaml:"ops"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StorageConfig holds the pebble store location.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// EngineConfig holds model assets and inference session settings.
type EngineConfig struct {
	ModelPath         string    `yaml:"model_path"`
	TokenizerPath     string    `yaml:"tokenizer_path"`
	MaxContentBytes   SizeBytes `yaml:"max_content_bytes"`
	PreferAccelerator bool      `yaml:"prefer_accelerator"`
}

// PoolConfig sizes the session pool.
type PoolConfig struct {
	Capacity       int      `yaml:"capacity"`
	AcquireTimeout Duration `yaml:"acquire_timeout"`
}

// DispatchConfig controls batching.
type DispatchConfig struct {
	QueueCapacity    int      `yaml:"queue_capacity"`
	InitialBatchSize int      `yaml:"initial_batch_size"`
	MaxBatchSize     int      `yaml:"max_batch_size"`
	FlushInterval    Duration `yaml:"flush_interval"`
}

// ControllerConfig tunes the adaptive concurrency loop.
type ControllerConfig struct {
	Cadence            Duration `yaml:"cadence"`
	LatencyCeiling     Duration `yaml:"latency_ceiling"`
	FailureRateCeiling float64  `yaml:"failure_rate_ceiling"`
	MemoryCeiling      float64  `yaml:"memory_ceiling"`
	Step               int      `yaml:"step"`
	BatchStep          int      `yaml:"batch_step"`
}

// RetryConfig bounds resubmission of retriable failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Backoff     Duration `yaml:"backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

// SourceConfig controls how records are pulled from the store.
type SourceConfig struct {
	PageSize int     `yaml:"page_size"`
	RPS      float64 `yaml:"rps"`
}

// RetentionConfig holds configuration for the automatic purge runner.
type RetentionConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	Period  Duration `yaml:"period"`
	LockTTL Duration `yaml:"lock_ttl"`
	DryRun  bool     `yaml:"dry_run"`
}

// OpsConfig holds the operational HTTP listener settings.
type OpsConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Addr returns host:port for the ops HTTP server.
func (c *Config) Addr() string {
	addr := c.Ops.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Ops.Port
	if p == 0 {
		p = 8090
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*s = 0
		return nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		*s = SizeBytes(v)
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*s = SizeBytes(i)
		return nil
	}
	return fmt.Errorf("invalid size value: %q", node.Value)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
