package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Model  string
	Config string
	Set    map[string]bool
}

// ParseConfigFlags parses command-line flags and returns them as a Flags struct.
func ParseConfigFlags() Flags {
	addrPtr := flag.String("addr", ":8090", "ops HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	modelPtr := flag.String("model", "", "Path to summarization model")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Model: *modelPtr, Config: *cfgPtr, Set: setFlags}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `CONDENSER_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("CONDENSER_CONFIG"); p != "" {
		return p
	}
	return flagPath
}

// ApplyEnvOverrides layers CONDENSER_* environment variables onto cfg and
// reports whether any were present.
func ApplyEnvOverrides(cfg *Config) bool {
	envUsed := false

	if v := os.Getenv("CONDENSER_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Ops.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Ops.Port = pi
			}
		} else {
			cfg.Ops.Address = v
		}
	}
	if v := os.Getenv("CONDENSER_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("CONDENSER_MODEL_PATH"); v != "" {
		envUsed = true
		cfg.Engine.ModelPath = v
	}
	if v := os.Getenv("CONDENSER_TOKENIZER_PATH"); v != "" {
		envUsed = true
		cfg.Engine.TokenizerPath = v
	}
	if v := os.Getenv("CONDENSER_POOL_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Pool.Capacity = n
		}
	}
	if v := os.Getenv("CONDENSER_SOURCE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Source.RPS = f
		}
	}
	if v := os.Getenv("CONDENSER_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	return envUsed
}

// LoadEffective loads config from the resolved path, layers env overrides,
// then flag overrides, and fills defaults. Flags win over env, env wins over
// the file.
func LoadEffective(flags Flags) (*Config, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := Load(cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		if flags.Set["config"] {
			return nil, fmt.Errorf("config file %s not found", flags.Config)
		}
		cfg = &Config{}
	}
	ApplyEnvOverrides(cfg)

	if flags.Set["addr"] {
		if h, p, err := net.SplitHostPort(flags.Addr); err == nil {
			cfg.Ops.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Ops.Port = pi
			}
		} else {
			cfg.Ops.Address = flags.Addr
		}
	}
	if flags.Set["db"] {
		cfg.Storage.DBPath = flags.DB
	}
	if flags.Set["model"] {
		cfg.Engine.ModelPath = flags.Model
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "./.database"
	}
	if c.Engine.MaxContentBytes <= 0 {
		c.Engine.MaxContentBytes = 256 * 1024
	}
	if c.Pool.Capacity <= 0 {
		c.Pool.Capacity = 2
	}
	if c.Pool.AcquireTimeout <= 0 {
		c.Pool.AcquireTimeout = Duration(30 * time.Second)
	}
	if c.Dispatch.QueueCapacity <= 0 {
		c.Dispatch.QueueCapacity = 256
	}
	if c.Dispatch.InitialBatchSize <= 0 {
		c.Dispatch.InitialBatchSize = 4
	}
	if c.Dispatch.MaxBatchSize <= 0 {
		c.Dispatch.MaxBatchSize = 16
	}
	if c.Dispatch.FlushInterval <= 0 {
		c.Dispatch.FlushInterval = Duration(100 * time.Millisecond)
	}
	if c.Controller.Cadence <= 0 {
		c.Controller.Cadence = Duration(2 * time.Second)
	}
	if c.Controller.LatencyCeiling <= 0 {
		c.Controller.LatencyCeiling = Duration(5 * time.Second)
	}
	if c.Controller.FailureRateCeiling <= 0 {
		c.Controller.FailureRateCeiling = 0.2
	}
	if c.Controller.MemoryCeiling <= 0 {
		c.Controller.MemoryCeiling = 0.85
	}
	if c.Controller.Step <= 0 {
		c.Controller.Step = 1
	}
	if c.Controller.BatchStep <= 0 {
		c.Controller.BatchStep = 2
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.Backoff <= 0 {
		c.Retry.Backoff = Duration(500 * time.Millisecond)
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = Duration(10 * time.Second)
	}
	if c.Source.PageSize <= 0 {
		c.Source.PageSize = 64
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "0 3 * * *"
	}
	if c.Retention.LockTTL <= 0 {
		c.Retention.LockTTL = Duration(2 * time.Minute)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.InitialBatchSize > c.Dispatch.MaxBatchSize {
		return fmt.Errorf("dispatch.initial_batch_size %d exceeds max_batch_size %d",
			c.Dispatch.InitialBatchSize, c.Dispatch.MaxBatchSize)
	}
	if c.Controller.FailureRateCeiling > 1 {
		return fmt.Errorf("controller.failure_rate_ceiling must be in (0,1], got %v", c.Controller.FailureRateCeiling)
	}
	if c.Controller.MemoryCeiling > 1 {
		return fmt.Errorf("controller.memory_ceiling must be in (0,1], got %v", c.Controller.MemoryCeiling)
	}
	if c.Source.RPS < 0 {
		return fmt.Errorf("source.rps must not be negative, got %v", c.Source.RPS)
	}
	if c.Retention.Enabled && c.Retention.Period <= 0 {
		return fmt.Errorf("retention.period must be set when retention is enabled")
	}
	return nil
}
