// Package dispatch groups the record stream into bounded batches and runs
// them against leased sessions, at most the controller's allowed concurrency
// in flight at once.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"condenser/pkg/control"
	"condenser/pkg/engine"
	"condenser/pkg/logger"
	"condenser/pkg/models"
	"condenser/pkg/pool"
	"condenser/pkg/telemetry"
)

// BatchJob is one group of records submitted together to a single session
// invocation. It exists from batch cut until all outcomes are emitted.
type BatchJob struct {
	BatchID   string
	Records   []models.Record
	CreatedAt time.Time
}

// Config tunes the dispatcher. Batch size is not here: it is read live from
// the controller's state.
type Config struct {
	// QueueCapacity bounds the intake queue.
	QueueCapacity int
	// FlushInterval cuts a partial batch this long after its first record
	// arrived, bounding tail latency in quiet periods.
	FlushInterval time.Duration
	// AcquireTimeout bounds the lease wait per batch.
	AcquireTimeout time.Duration
	// WindowSize is the number of batch samples kept for the controller.
	WindowSize int
}

// Dispatcher consumes submitted records, cuts batches on size or flush
// deadline, and fans them out across pool leases.
type Dispatcher struct {
	cfg    Config
	pool   *pool.Pool
	state  *control.State
	queue  *intake
	out    chan models.Outcome
	window *Window
	sem    *dynSem

	done chan struct{}
}

// New builds a dispatcher bound to a pool and the shared concurrency state.
func New(cfg Config, p *pool.Pool, st *control.State) *Dispatcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 100 * time.Millisecond
	}
	d := &Dispatcher{
		cfg:    cfg,
		pool:   p,
		state:  st,
		queue:  newIntake(cfg.QueueCapacity),
		out:    make(chan models.Outcome, cfg.QueueCapacity+1),
		window: NewWindow(cfg.WindowSize),
		done:   make(chan struct{}),
	}
	d.sem = newDynSem(st.Concurrency)
	return d
}

// Submit queues one record, blocking when the intake is full. Returns
// ErrIntakeClosed once Close has been called.
func (d *Dispatcher) Submit(ctx context.Context, rec models.Record) error {
	return d.queue.put(ctx, rec)
}

// Outcomes is the result stream: exactly one Outcome per submitted record,
// in no particular order. The consumer must keep receiving until the channel
// closes, including during shutdown, or Run can block on emission.
func (d *Dispatcher) Outcomes() <-chan models.Outcome { return d.out }

// Window exposes the outcome window sampled by the controller.
func (d *Dispatcher) Window() *Window { return d.window }

// Close stops intake. Records already queued still run; call after the last
// Submit and before waiting on Run to finish.
func (d *Dispatcher) Close() { d.queue.close() }

// Done closes when Run has fully drained and the outcome stream is closed.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Run is the batch loop. It exits when the intake is closed and drained
// (graceful) or when ctx is cancelled (remaining queued records resolve as
// cancelled failures). In-flight batches are always waited for before the
// outcome stream closes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		// ctx cancellation may strand queued records; they must still
		// resolve to an outcome, never silently drop.
		d.queue.drain(func(it *intakeItem) {
			d.emitCancelled(it)
		})
		close(d.out)
		close(d.done)
		logger.Info("dispatcher_stopped")
	}()

	for {
		first, ok := d.queue.next(ctx)
		if !ok {
			return
		}
		job := d.collect(ctx, first)

		if err := d.sem.acquire(ctx); err != nil {
			d.failBatch(job, &models.ProcessingFailure{
				Kind: models.FailureCancelled, Retriable: true, Err: err,
			})
			return
		}

		wg.Add(1)
		go func(job BatchJob) {
			defer wg.Done()
			defer d.sem.release()
			d.runBatch(ctx, job)
		}(job)
	}
}

// collect fills a batch starting from first: stop at the live batch size
// target or when the flush interval since the first record elapses,
// whichever happens first.
func (d *Dispatcher) collect(ctx context.Context, first *intakeItem) BatchJob {
	target := d.state.BatchSize()
	items := []*intakeItem{first}
	timer := time.NewTimer(d.cfg.FlushInterval)
	defer timer.Stop()

	for len(items) < target {
		it, ok := d.queue.tryNext()
		if ok {
			items = append(items, it)
			continue
		}
		select {
		case it := <-d.queue.ch:
			items = append(items, it)
		case <-timer.C:
			goto cut
		case <-d.queue.closedCh:
			goto cut
		case <-ctx.Done():
			goto cut
		}
	}
cut:
	job := BatchJob{
		BatchID:   uuid.NewString(),
		Records:   make([]models.Record, 0, len(items)),
		CreatedAt: time.Now(),
	}
	for _, it := range items {
		job.Records = append(job.Records, it.record())
		it.done()
	}
	return job
}

// runBatch leases a session, executes the batch and emits one outcome per
// record. The lease is released on every path; an engine fault downgrades
// the session before release.
func (d *Dispatcher) runBatch(ctx context.Context, job BatchJob) {
	acquireCtx := ctx
	if d.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, d.cfg.AcquireTimeout)
		defer cancel()
	}
	lease, err := d.pool.Acquire(acquireCtx)
	if err != nil {
		kind := models.FailurePool
		if errors.Is(err, context.Canceled) {
			kind = models.FailureCancelled
		}
		d.failBatch(job, &models.ProcessingFailure{Kind: kind, Retriable: true, Err: err})
		d.window.Observe(0, len(job.Records), len(job.Records))
		return
	}
	defer lease.Release()

	start := time.Now()
	comps, execErr := lease.Session().Execute(ctx, job.Records)
	latency := time.Since(start)
	cancelled := execErr != nil &&
		(errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded))
	if execErr != nil && !cancelled {
		// Only a device fault downgrades the session; a cancelled batch
		// hands back a healthy one.
		lease.MarkUnhealthy()
		logger.Warn("batch_engine_fault", "batch", job.BatchID, "session", lease.SessionID(), "error", execErr)
	}

	byID := make(map[string]engine.Completion, len(comps))
	for _, c := range comps {
		byID[c.RecordID] = c
	}

	failed := 0
	now := time.Now().UTC().UnixNano()
	for _, rec := range job.Records {
		c, found := byID[rec.ID]
		switch {
		case found && c.Err == nil:
			d.emit(models.Outcome{Result: &models.InferenceResult{
				RecordID:   rec.ID,
				Summary:    c.Summary,
				Latency:    latency,
				SessionID:  lease.SessionID(),
				ProducedTS: now,
			}})
		case found:
			failed++
			kind := models.FailureEngine
			if errors.Is(c.Err, engine.ErrContentTooLarge) {
				kind = models.FailureOversized
			}
			d.emit(models.Outcome{Failure: &models.ProcessingFailure{
				RecordID:  rec.ID,
				Kind:      kind,
				Retriable: !c.NonRetriable,
				Err:       c.Err,
				Detail:    c.Err.Error(),
			}})
		default:
			// Execution stopped before reaching this record.
			failed++
			kind := models.FailureEngine
			if cancelled {
				kind = models.FailureCancelled
			}
			d.emit(models.Outcome{Failure: &models.ProcessingFailure{
				RecordID:  rec.ID,
				Kind:      kind,
				Retriable: true,
				Err:       execErr,
				Detail:    detail(execErr),
			}})
		}
	}

	d.window.Observe(latency, len(job.Records), failed)
	telemetry.BatchesDispatched.Inc()
	telemetry.BatchLatencySeconds.Observe(latency.Seconds())
}

func (d *Dispatcher) emit(o models.Outcome) {
	if o.Result != nil {
		telemetry.RecordOutcomes.WithLabelValues("result").Inc()
	} else {
		telemetry.RecordOutcomes.WithLabelValues("failure").Inc()
	}
	d.out <- o
}

func (d *Dispatcher) emitCancelled(it *intakeItem) {
	rec := it.record()
	it.done()
	d.emit(models.Outcome{Failure: &models.ProcessingFailure{
		RecordID:  rec.ID,
		Kind:      models.FailureCancelled,
		Retriable: true,
		Err:       context.Canceled,
		Detail:    context.Canceled.Error(),
	}})
}

// failBatch resolves every record of a job with a copy of the template
// failure.
func (d *Dispatcher) failBatch(job BatchJob, tmpl *models.ProcessingFailure) {
	for _, rec := range job.Records {
		f := *tmpl
		f.RecordID = rec.ID
		f.Detail = detail(f.Err)
		d.emit(models.Outcome{Failure: &f})
	}
}

func detail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
