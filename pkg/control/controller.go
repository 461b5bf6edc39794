package control

import (
	"context"
	"time"

	"condenser/pkg/logger"
	"condenser/pkg/pool"
	"condenser/pkg/telemetry"
)

// OutcomeFeed is the dispatcher's view of recent work: latency percentiles
// and failure rate over a sliding window.
type OutcomeFeed interface {
	LatencyP95() time.Duration
	FailureRate() float64
	Samples() int
}

// Config tunes the additive-increase/additive-decrease control loop.
type Config struct {
	Cadence            time.Duration
	LatencyCeiling     time.Duration
	FailureRateCeiling float64
	// MemoryCeiling is a used-fraction of host memory in [0,1]; 0 disables
	// the memory signal.
	MemoryCeiling float64
	Step          int
	BatchStep     int
	MaxBatchSize  int
}

// Controller periodically samples the outcome feed, pool metrics and host
// memory, and nudges State. It is the sole writer of State and never touches
// session handles.
type Controller struct {
	cfg   Config
	state *State
	feed  OutcomeFeed
	pool  func() pool.Metrics
	// mem returns host memory used fraction; may be nil.
	mem func() float64
}

// New wires a controller. poolMetrics and mem are read-only probes.
func New(cfg Config, st *State, feed OutcomeFeed, poolMetrics func() pool.Metrics, mem func() float64) *Controller {
	if cfg.Cadence <= 0 {
		cfg.Cadence = time.Second
	}
	if cfg.Step < 1 {
		cfg.Step = 1
	}
	if cfg.BatchStep < 1 {
		cfg.BatchStep = 1
	}
	return &Controller{cfg: cfg, state: st, feed: feed, pool: poolMetrics, mem: mem}
}

// Run drives the loop until ctx is cancelled. It runs decoupled from the
// dispatcher's own goroutines.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate()
		}
	}
}

// Evaluate performs one control cycle. Exported so tests can drive cycles
// without a ticker.
func (c *Controller) Evaluate() {
	if c.feed.Samples() == 0 {
		return
	}

	conc, batch := c.state.Load()
	pm := c.pool()

	p95 := c.feed.LatencyP95()
	failRate := c.feed.FailureRate()
	memUsed := 0.0
	if c.mem != nil {
		memUsed = c.mem()
	}

	latencyHot := c.cfg.LatencyCeiling > 0 && p95 > c.cfg.LatencyCeiling
	failuresHot := c.cfg.FailureRateCeiling > 0 && failRate > c.cfg.FailureRateCeiling
	memoryHot := c.cfg.MemoryCeiling > 0 && memUsed > c.cfg.MemoryCeiling

	newConc, newBatch := conc, batch
	switch {
	case latencyHot || failuresHot || memoryHot:
		newConc = conc - c.cfg.Step
		if newConc < 1 {
			newConc = 1
		}
		// Latency and memory pressure respond to batch size too.
		if latencyHot || memoryHot {
			newBatch = batch - c.cfg.BatchStep
			if newBatch < 1 {
				newBatch = 1
			}
		}
		telemetry.ControlAdjustments.WithLabelValues("decrease").Inc()
		logger.Info("control_decrease",
			"p95_ms", p95.Milliseconds(), "failure_rate", failRate, "mem_used", memUsed,
			"concurrency", newConc, "batch_size", newBatch)
	case c.comfortable(p95, failRate, memUsed):
		if pm.Idle > 0 && conc < pm.Capacity {
			newConc = conc + c.cfg.Step
			if newConc > pm.Capacity {
				newConc = pm.Capacity
			}
		}
		if c.cfg.MaxBatchSize > 0 && batch < c.cfg.MaxBatchSize {
			newBatch = batch + c.cfg.BatchStep
			if newBatch > c.cfg.MaxBatchSize {
				newBatch = c.cfg.MaxBatchSize
			}
		}
		if newConc != conc || newBatch != batch {
			telemetry.ControlAdjustments.WithLabelValues("increase").Inc()
			logger.Debug("control_increase", "concurrency", newConc, "batch_size", newBatch)
		}
	}

	if newConc != conc || newBatch != batch {
		c.state.set(newConc, newBatch)
	}
	telemetry.AllowedConcurrency.Set(float64(newConc))
	telemetry.BatchSizeTarget.Set(float64(newBatch))
}

// comfortable requires signals clearly under their ceilings before growing,
// leaving a hysteresis band so the loop does not oscillate every cycle.
func (c *Controller) comfortable(p95 time.Duration, failRate, memUsed float64) bool {
	if c.cfg.LatencyCeiling > 0 && p95 > c.cfg.LatencyCeiling*8/10 {
		return false
	}
	if c.cfg.FailureRateCeiling > 0 && failRate > c.cfg.FailureRateCeiling*0.8 {
		return false
	}
	if c.cfg.MemoryCeiling > 0 && memUsed > c.cfg.MemoryCeiling*0.8 {
		return false
	}
	return true
}
