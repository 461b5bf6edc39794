package sensor

import (
	"context"
	"time"

	"condenser/pkg/logger"
	"condenser/pkg/store"
)

// MonitorConfig controls thresholds and intervals for the store monitor.
type MonitorConfig struct {
	PollInterval time.Duration

	WALHighBytes uint64
	WALLowBytes  uint64

	DiskHighPct int
	DiskLowPct  int

	// hysteresis window before leaving the critical state
	RecoveryWindow time.Duration
}

// DefaultMonitorConfig returns sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:   500 * time.Millisecond,
		WALHighBytes:   1 << 30, // 1 GiB
		WALLowBytes:    700 << 20,
		DiskHighPct:    80,
		DiskLowPct:     60,
		RecoveryWindow: 5 * time.Second,
	}
}

// StartStoreMonitor watches store WAL growth and disk capacity and raises
// advisory throttles on the sensor. The concurrency controller reads the
// resulting pressure and backs off; the monitor never touches the pipeline
// directly. Returns a stop function.
func StartStoreMonitor(ctx context.Context, s *Sensor, cfg MonitorConfig) context.CancelFunc {
	if cfg.PollInterval <= 0 {
		cfg = DefaultMonitorConfig()
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		state := "normal"
		var lastCritical time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := store.GetDiskMetrics()
				hw := s.Snapshot()
				diskUtil := 0
				if hw.DiskTotal > 0 {
					used := hw.DiskTotal - hw.DiskFree
					diskUtil = int((used * 100) / hw.DiskTotal)
				}

				if m.WALBytes >= cfg.WALHighBytes || diskUtil >= cfg.DiskHighPct {
					if state != "critical" {
						logger.Warn("store_monitor_critical", "wal_bytes", m.WALBytes, "disk_util", diskUtil)
					}
					s.SendThrottle(ThrottleRequest{Source: "store_monitor", Reason: "wal_or_disk_high", Severity: 1.0})
					state = "critical"
					lastCritical = time.Now()
					continue
				}

				if state == "critical" {
					if time.Since(lastCritical) > cfg.RecoveryWindow && m.WALBytes <= cfg.WALLowBytes && diskUtil <= cfg.DiskLowPct {
						logger.Info("store_monitor_recovered")
						s.SendThrottle(ThrottleRequest{Source: "store_monitor", Reason: "recovered", Severity: 0})
						state = "normal"
					}
					continue
				}

				if m.WALBytes >= cfg.WALLowBytes {
					if state != "degraded" {
						logger.Warn("store_monitor_degraded", "wal_bytes", m.WALBytes)
					}
					s.SendThrottle(ThrottleRequest{Source: "store_monitor", Reason: "wal_high", Severity: 0.6})
					state = "degraded"
					continue
				}

				if state == "degraded" && m.WALBytes < cfg.WALLowBytes {
					state = "normal"
				}
			}
		}
	}()
	return cancel
}
