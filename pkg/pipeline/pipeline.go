package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"condenser/pkg/dispatch"
	"condenser/pkg/logger"
	"condenser/pkg/models"
	"condenser/pkg/pool"
	"condenser/pkg/telemetry"
)

// Source pages records into the pipeline. Next returns an empty slice when
// the scan is exhausted; Ack commits the last page after the orchestrator
// has taken ownership of it.
type Source interface {
	Next(ctx context.Context, max int) ([]models.Record, error)
	Ack(ctx context.Context) error
}

// Sink persists outcomes. Writes must be idempotent per record id because
// a crash between processing and Ack redelivers records.
type Sink interface {
	WriteResult(ctx context.Context, res *models.InferenceResult) error
	WriteFailure(ctx context.Context, f *models.ProcessingFailure) error
}

// RetryPolicy bounds how often a retriable failure is resubmitted.
type RetryPolicy struct {
	// MaxAttempts counts total deliveries, so 3 means two retries.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Delay returns the backoff before delivery attempt n (first retry is n=1).
func (p RetryPolicy) Delay(n int) time.Duration {
	base := p.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(n-1)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

type Config struct {
	// PageSize bounds how many records one Source.Next call returns.
	PageSize int
	// SourceRPS throttles record submission; zero disables the limiter.
	SourceRPS float64
	Retry     RetryPolicy
}

// Progress is a snapshot of pipeline counters for the status endpoint.
type Progress struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	InFlight  int    `json:"in_flight"`
}

// Orchestrator pumps records from the source through the dispatcher and
// writes every outcome to the sink, retrying retriable failures up to the
// policy's attempt ceiling.
type Orchestrator struct {
	cfg     Config
	src     Source
	sink    Sink
	disp    *dispatch.Dispatcher
	pool    *pool.Pool
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[string]models.Record
	drained  *sync.Cond

	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
}

func New(cfg Config, src Source, sink Sink, d *dispatch.Dispatcher, p *pool.Pool) *Orchestrator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 64
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	o := &Orchestrator{
		cfg:      cfg,
		src:      src,
		sink:     sink,
		disp:     d,
		pool:     p,
		inflight: make(map[string]models.Record),
	}
	o.drained = sync.NewCond(&o.mu)
	if cfg.SourceRPS > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.SourceRPS), 1)
	}
	return o
}

// Run drives the pipeline to completion. It returns nil when the source is
// exhausted and every outcome has been persisted, the context error on
// cancellation, or the first fatal error. Outcomes already in flight are
// always resolved before Run returns, whatever the cause.
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.disp.Run(ctx)

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		o.consume(ctx)
	}()

	pumpErr := o.pump(ctx)
	if pumpErr != nil {
		logger.Warn("pipeline_pump_stopped", "error", pumpErr)
	}

	// Outstanding records resolve through the outcome stream; on
	// cancellation the dispatcher fails queued records itself once closed.
	if ctx.Err() == nil && !o.pool.Dead() {
		o.awaitDrained(ctx)
	}
	o.disp.Close()
	<-o.disp.Done()
	<-consumerDone

	if pumpErr != nil {
		return pumpErr
	}
	return ctx.Err()
}

// Progress returns current pipeline counters.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	inflight := len(o.inflight)
	o.mu.Unlock()
	return Progress{
		Submitted: o.submitted.Load(),
		Succeeded: o.succeeded.Load(),
		Failed:    o.failed.Load(),
		Retried:   o.retried.Load(),
		InFlight:  inflight,
	}
}

func (o *Orchestrator) pump(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if o.pool.Dead() {
			return pool.ErrPoolDead
		}
		page, err := o.src.Next(ctx, o.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, rec := range page {
			if o.limiter != nil {
				if err := o.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			o.track(rec)
			if err := o.disp.Submit(ctx, rec); err != nil {
				o.resolve(rec.ID)
				return err
			}
			o.submitted.Add(1)
			telemetry.RecordsSubmitted.Inc()
		}
		if err := o.src.Ack(ctx); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) consume(ctx context.Context) {
	for out := range o.disp.Outcomes() {
		switch {
		case out.Result != nil:
			if err := o.sink.WriteResult(context.Background(), out.Result); err != nil {
				// The source page is already acked; record the loss as a
				// failure instead of a phantom success.
				logger.Error("sink_write_result_failed", "record", out.Result.RecordID, "error", err)
				o.terminalFailure(models.Record{ID: out.Result.RecordID}, models.FailureSink, err)
				continue
			}
			o.succeeded.Add(1)
			o.resolve(out.Result.RecordID)
		case out.Failure != nil:
			o.handleFailure(ctx, out.Failure)
		}
	}
}

func (o *Orchestrator) handleFailure(ctx context.Context, f *models.ProcessingFailure) {
	rec, known := o.lookup(f.RecordID)
	attempt := rec.Attempt + 1

	if known && f.Retriable && attempt < o.cfg.Retry.MaxAttempts && ctx.Err() == nil && !o.pool.Dead() {
		rec.Attempt = attempt
		o.track(rec) // refresh the tracked attempt count
		o.retried.Add(1)
		telemetry.RecordsRetried.Inc()
		logger.Info("record_retry_scheduled",
			"record", rec.ID, "attempt", attempt, "kind", string(f.Kind))
		go o.retryLater(ctx, rec)
		return
	}

	if err := o.sink.WriteFailure(context.Background(), f); err != nil {
		logger.Error("sink_write_failure_failed", "record", f.RecordID, "error", err)
	}
	o.failed.Add(1)
	o.resolve(f.RecordID)
}

// retryLater resubmits rec after its backoff. The record stays in flight
// for the whole wait, so shutdown ordering cannot strand it.
func (o *Orchestrator) retryLater(ctx context.Context, rec models.Record) {
	timer := time.NewTimer(o.cfg.Retry.Delay(rec.Attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		o.terminalFailure(rec, models.FailureCancelled, ctx.Err())
		return
	}
	if err := o.disp.Submit(ctx, rec); err != nil {
		o.terminalFailure(rec, models.FailureCancelled, err)
	}
}

func (o *Orchestrator) terminalFailure(rec models.Record, kind models.FailureKind, err error) {
	f := &models.ProcessingFailure{
		RecordID:  rec.ID,
		Kind:      kind,
		Retriable: false,
		Err:       err,
	}
	if err != nil {
		f.Detail = err.Error()
	}
	if werr := o.sink.WriteFailure(context.Background(), f); werr != nil {
		logger.Error("sink_write_failure_failed", "record", rec.ID, "error", werr)
	}
	o.failed.Add(1)
	o.resolve(rec.ID)
}

func (o *Orchestrator) track(rec models.Record) {
	o.mu.Lock()
	o.inflight[rec.ID] = rec
	o.mu.Unlock()
}

// lookup returns the tracked record without untracking it; retries keep the
// slot until the record reaches a terminal outcome.
func (o *Orchestrator) lookup(id string) (models.Record, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.inflight[id]
	return rec, ok
}

func (o *Orchestrator) resolve(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	if len(o.inflight) == 0 {
		o.drained.Broadcast()
	}
	o.mu.Unlock()
}

func (o *Orchestrator) awaitDrained(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		o.mu.Lock()
		for len(o.inflight) > 0 {
			o.drained.Wait()
		}
		o.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Wake the waiter so its goroutine exits once records resolve.
		o.drained.Broadcast()
	}
}
