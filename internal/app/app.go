package app

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"condenser/pkg/api"
	"condenser/pkg/banner"
	"condenser/pkg/config"
	"condenser/pkg/control"
	"condenser/pkg/dispatch"
	"condenser/pkg/engine"
	"condenser/pkg/logger"
	"condenser/pkg/pipeline"
	"condenser/pkg/pool"
	"condenser/pkg/sensor"
	"condenser/pkg/state"
	"condenser/pkg/store"

	"condenser/internal/maintenance"
)

// App wires the pipeline components and owns their lifecycle.
type App struct {
	cfg     *config.Config
	version string

	pool *pool.Pool
	st   *control.State
	disp *dispatch.Dispatcher
	ctrl *control.Controller
	sens *sensor.Sensor
	orc  *pipeline.Orchestrator
	srv  *http.Server

	phase atomic.Value // "starting" | "running" | "draining" | "done"
}

// New validates config and builds every component up to, but not including,
// anything that runs. Call Run to start and block until completion.
func New(cfg *config.Config, version string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := state.EnsureStateDirs(cfg.Storage.DBPath); err != nil {
		return nil, fmt.Errorf("state dirs under %s: %w", cfg.Storage.DBPath, err)
	}
	if err := store.Open(cfg.Storage.DBPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", cfg.Storage.DBPath, err)
	}

	factory := engine.FactoryFromConfig(engine.Config{
		ModelPath:         cfg.Engine.ModelPath,
		TokenizerPath:     cfg.Engine.TokenizerPath,
		MaxContentBytes:   int(cfg.Engine.MaxContentBytes.Int64()),
		PreferAccelerator: cfg.Engine.PreferAccelerator,
	})
	p, err := pool.New(cfg.Pool.Capacity, factory)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("session pool: %w", err)
	}

	st := control.NewState(cfg.Pool.Capacity, cfg.Dispatch.InitialBatchSize)
	d := dispatch.New(dispatch.Config{
		QueueCapacity:  cfg.Dispatch.QueueCapacity,
		FlushInterval:  cfg.Dispatch.FlushInterval.Duration(),
		AcquireTimeout: cfg.Pool.AcquireTimeout.Duration(),
	}, p, st)

	sens := sensor.NewSensor(time.Second, cfg.Storage.DBPath)
	sens.RegisterThrottleHandler(func(req sensor.ThrottleRequest) {
		logger.Info("throttle_request", "source", req.Source, "reason", req.Reason, "severity", req.Severity)
	})

	ctrl := control.New(control.Config{
		Cadence:            cfg.Controller.Cadence.Duration(),
		LatencyCeiling:     cfg.Controller.LatencyCeiling.Duration(),
		FailureRateCeiling: cfg.Controller.FailureRateCeiling,
		MemoryCeiling:      cfg.Controller.MemoryCeiling,
		Step:               cfg.Controller.Step,
		BatchStep:          cfg.Controller.BatchStep,
		MaxBatchSize:       cfg.Dispatch.MaxBatchSize,
	}, st, d.Window(), p.Metrics, sens.Pressure)

	orc := pipeline.New(pipeline.Config{
		PageSize:  cfg.Source.PageSize,
		SourceRPS: cfg.Source.RPS,
		Retry: pipeline.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.Backoff.Duration(),
			MaxBackoff:  cfg.Retry.MaxBackoff.Duration(),
		},
	}, store.NewPebbleSource(), store.NewPebbleSink(), d, p)

	a := &App{
		cfg:     cfg,
		version: version,
		pool:    p,
		st:      st,
		disp:    d,
		ctrl:    ctrl,
		sens:    sens,
		orc:     orc,
	}
	a.phase.Store("starting")
	return a, nil
}

// Run starts the supporting services and drives the pipeline to completion.
// It blocks until the source is exhausted, the context is cancelled, or the
// pool dies, then shuts everything down in drain order.
func (a *App) Run(ctx context.Context) error {
	banner.Print(a.cfg, a.version)

	a.sens.Start()
	defer a.sens.Stop()

	monStop := sensor.StartStoreMonitor(ctx, a.sens, sensor.DefaultMonitorConfig())
	defer monStop()

	maintStop, err := maintenance.Start(ctx, a.cfg.Retention)
	if err != nil {
		return err
	}
	defer maintStop()

	ctrlCtx, ctrlCancel := context.WithCancel(ctx)
	go a.ctrl.Run(ctrlCtx)

	srvErr := a.startOps(ctx)

	a.phase.Store("running")
	logger.Info("pipeline_starting",
		"pool_capacity", a.cfg.Pool.Capacity,
		"initial_batch", a.cfg.Dispatch.InitialBatchSize,
		"db_path", a.cfg.Storage.DBPath)

	runErr := a.orc.Run(ctx)

	a.phase.Store("draining")
	ctrlCancel()
	a.pool.Close()
	a.stopOps()
	a.phase.Store("done")

	prog := a.orc.Progress()
	logger.Info("pipeline_finished",
		"submitted", prog.Submitted,
		"succeeded", prog.Succeeded,
		"failed", prog.Failed,
		"retried", prog.Retried)

	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}

	select {
	case err := <-srvErr:
		if err != nil {
			logger.Error("ops_server_error", "error", err)
		}
	default:
	}
	return runErr
}

// Status builds the snapshot served by /statusz and /readyz.
func (a *App) Status() api.Status {
	conc, batch := a.st.Load()
	phase, _ := a.phase.Load().(string)
	return api.Status{
		State:       phase,
		Version:     a.version,
		Ready:       store.Ready() && !a.pool.Dead(),
		Concurrency: conc,
		BatchSize:   batch,
		Pool:        a.pool.Metrics(),
		Progress:    a.orc.Progress(),
		Disk:        store.GetDiskMetrics(),
	}
}
