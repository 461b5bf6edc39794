package maintenance

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"condenser/pkg/config"
	"condenser/pkg/logger"
	"condenser/pkg/state"
	"condenser/pkg/store"
)

// Start launches the scheduled purge runner when retention is enabled.
// Returns a cancel func.
func Start(ctx context.Context, cfg config.RetentionConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("maintenance_disabled")
		return func() {}, nil
	}

	dir := state.PathsVar.Maintenance
	if dir == "" {
		return nil, fmt.Errorf("state paths not initialized")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Error("maintenance_path_create_failed", "path", dir, "error", err)
		return nil, err
	}

	cronExpr := cfg.Cron
	if !gronx.IsValid(cronExpr) {
		logger.Error("maintenance_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid maintenance cron expression: %s", cronExpr)
	}

	logger.Info("maintenance_enabled", "cron", cronExpr, "period", cfg.Period.Duration().String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, dir, cronExpr)
	return cancel, nil
}

// runScheduler sleeps until the next cron tick and triggers a purge run.
func runScheduler(ctx context.Context, cfg config.RetentionConfig, dir, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("maintenance_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(ctx, cfg, dir); err != nil {
				logger.Error("maintenance_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("maintenance_scheduler_stopping")
			return
		}
	}
}

// RunOnce executes a single purge run under the file lease: summaries and
// failures older than the retention period are deleted.
func RunOnce(ctx context.Context, cfg config.RetentionConfig, dir string) error {
	owner := uuid.NewString()
	lock := newFileLease(dir)
	ttl := cfg.LockTTL.Duration()
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	acq, err := lock.Acquire(owner, ttl)
	if err != nil {
		return fmt.Errorf("lease acquire failed: %w", err)
	}
	if !acq {
		logger.Info("maintenance_lease_not_acquired")
		return nil
	}
	defer func() {
		if err := lock.Release(owner); err != nil {
			logger.Error("maintenance_lease_release_error", "error", err)
		}
	}()

	// heartbeat keeps the lease alive for long purges
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go func() {
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := lock.Renew(owner, ttl); err != nil {
					logger.Error("maintenance_lease_renew_failed", "error", err)
				}
			}
		}
	}()

	cutoff := time.Now().UTC().Add(-cfg.Period.Duration()).UnixNano()
	logger.Info("maintenance_run_start", "owner", owner, "dry_run", cfg.DryRun,
		"cutoff", time.Unix(0, cutoff).UTC().Format(time.RFC3339))

	if cfg.DryRun {
		summaries, err := store.CountPrefix("summary:")
		if err != nil {
			return err
		}
		failures, err := store.CountPrefix("failure:")
		if err != nil {
			return err
		}
		logger.Info("maintenance_dry_run", "summaries", summaries, "failures", failures)
		return nil
	}

	removed, err := store.PurgeProducedBefore(cutoff)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	logger.Info("maintenance_run_done", "owner", owner, "removed", removed)
	return nil
}
