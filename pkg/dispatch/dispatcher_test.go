package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"condenser/pkg/control"
	"condenser/pkg/engine"
	"condenser/pkg/logger"
	"condenser/pkg/models"
	"condenser/pkg/pool"
)

func init() { logger.Init() }

// stubSession executes with a fixed latency and can be programmed to fail.
type stubSession struct {
	id      string
	latency time.Duration

	// failAfter > 0 makes the session return an engine fault once it has
	// executed that many batches, simulating a crash.
	failAfter int64
	// cancelFirst > 0 makes that many leading Execute calls return only
	// the first completion plus the context error, as if cancellation
	// landed mid-batch.
	cancelFirst int64
	executed    atomic.Int64

	concurrent *atomic.Int64
	peak       *atomic.Int64
}

func (s *stubSession) ID() string            { return s.id }
func (s *stubSession) Device() engine.Device { return engine.DeviceCPU }
func (s *stubSession) Close() error          { return nil }

func (s *stubSession) Execute(ctx context.Context, recs []models.Record) ([]engine.Completion, error) {
	if s.concurrent != nil {
		cur := s.concurrent.Add(1)
		for {
			old := s.peak.Load()
			if cur <= old || s.peak.CompareAndSwap(old, cur) {
				break
			}
		}
		defer s.concurrent.Add(-1)
	}
	n := s.executed.Add(1)
	if s.failAfter > 0 && n > s.failAfter {
		return nil, &engine.EngineError{SessionID: s.id, Reason: "simulated device crash"}
	}
	if s.cancelFirst > 0 && n <= s.cancelFirst {
		var out []engine.Completion
		if len(recs) > 0 {
			out = append(out, engine.Completion{RecordID: recs[0].ID, Summary: "sum:" + recs[0].ID})
		}
		return out, context.Canceled
	}
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([]engine.Completion, len(recs))
	for i, r := range recs {
		out[i] = engine.Completion{RecordID: r.ID, Summary: "sum:" + r.ID}
	}
	return out, nil
}

func newTestPool(t *testing.T, capacity int, build func(n int64) *stubSession) *pool.Pool {
	t.Helper()
	var seq atomic.Int64
	p, err := pool.New(capacity, func() (engine.Session, error) {
		return build(seq.Add(1)), nil
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func submitRecords(t *testing.T, d *Dispatcher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := d.Submit(context.Background(), models.Record{
			ID:      fmt.Sprintf("r%d", i),
			Content: "content",
		})
		require.NoError(t, err)
	}
}

func collectOutcomes(t *testing.T, d *Dispatcher, want int) []models.Outcome {
	t.Helper()
	var out []models.Outcome
	timeout := time.After(10 * time.Second)
	for len(out) < want {
		select {
		case o, ok := <-d.Outcomes():
			if !ok {
				return out
			}
			out = append(out, o)
		case <-timeout:
			t.Fatalf("timed out waiting for outcomes: have %d want %d", len(out), want)
		}
	}
	return out
}

func TestFiveRecordsTwoSessions(t *testing.T) {
	const latency = 50 * time.Millisecond
	var concurrent, peak atomic.Int64
	p := newTestPool(t, 2, func(n int64) *stubSession {
		return &stubSession{id: fmt.Sprintf("s%d", n), latency: latency, concurrent: &concurrent, peak: &peak}
	})

	st := control.NewState(2, 1)
	d := New(Config{QueueCapacity: 16, FlushInterval: time.Millisecond, WindowSize: 16}, p, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	start := time.Now()
	submitRecords(t, d, 5)
	d.Close()
	outs := collectOutcomes(t, d, 5)
	elapsed := time.Since(start)
	<-d.Done()

	require.Len(t, outs, 5)
	seen := map[string]bool{}
	for _, o := range outs {
		require.NotNil(t, o.Result, "all records succeed: %+v", o.Failure)
		assert.False(t, seen[o.Result.RecordID], "duplicate outcome for %s", o.Result.RecordID)
		seen[o.Result.RecordID] = true
	}
	assert.LessOrEqual(t, peak.Load(), int64(2), "never more leases than capacity")
	assert.Equal(t, int64(2), peak.Load(), "both sessions should be used")
	// ceil(5/2) = 3 rounds of L each; generous upper bound for CI jitter.
	assert.GreaterOrEqual(t, elapsed, 3*latency)
	assert.Less(t, elapsed, 10*latency)
}

func TestCrashedSessionRepairedNoRecordLost(t *testing.T) {
	p := newTestPool(t, 1, func(n int64) *stubSession {
		return &stubSession{id: fmt.Sprintf("s%d", n), failAfter: 1}
	})

	st := control.NewState(1, 1)
	d := New(Config{QueueCapacity: 16, FlushInterval: time.Millisecond, WindowSize: 16}, p, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	submitRecords(t, d, 3)
	d.Close()
	outs := collectOutcomes(t, d, 3)
	<-d.Done()

	require.Len(t, outs, 3)
	var failures int
	seen := map[string]bool{}
	for _, o := range outs {
		id := o.RecordID()
		assert.False(t, seen[id], "duplicate outcome for %s", id)
		seen[id] = true
		if o.Failure != nil {
			failures++
			assert.Equal(t, models.FailureEngine, o.Failure.Kind)
			assert.True(t, o.Failure.Retriable)
		}
	}
	assert.Len(t, seen, 3, "every record resolves exactly once")
	assert.GreaterOrEqual(t, failures, 1, "the crashed batch surfaces as failures")
	// Each crash costs one repair; fresh sessions keep records flowing, so
	// at least one batch after the first crash must have succeeded.
	assert.Less(t, failures, 3, "repair must restore service")
}

func TestCancelledBatchKeepsSessionHealthy(t *testing.T) {
	var builds atomic.Int64
	p, err := pool.New(1, func() (engine.Session, error) {
		n := builds.Add(1)
		return &stubSession{id: fmt.Sprintf("s%d", n), cancelFirst: 1}, nil
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	st := control.NewState(1, 3)
	d := New(Config{QueueCapacity: 16, FlushInterval: 20 * time.Millisecond, WindowSize: 16}, p, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	submitRecords(t, d, 3)
	outs := collectOutcomes(t, d, 3)

	var results, cancelled int
	for _, o := range outs {
		if o.Result != nil {
			results++
			continue
		}
		cancelled++
		assert.Equal(t, models.FailureCancelled, o.Failure.Kind)
		assert.True(t, o.Failure.Retriable)
	}
	assert.Equal(t, 1, results)
	assert.Equal(t, 2, cancelled, "records the engine never reached resolve as cancelled")

	// The session must survive the cancelled batch and serve the next one.
	submitRecords(t, d, 3)
	outs = collectOutcomes(t, d, 3)
	for _, o := range outs {
		require.NotNil(t, o.Result, "healthy session keeps serving: %+v", o.Failure)
	}
	d.Close()
	<-d.Done()
	assert.Equal(t, int64(1), builds.Load(), "a cancelled batch must not trigger a repair")
}

func TestBatchSizeTrigger(t *testing.T) {
	p := newTestPool(t, 1, func(n int64) *stubSession { return &stubSession{id: "s"} })
	st := control.NewState(1, 4)
	// Long flush interval: only the size trigger can cut the batch quickly.
	d := New(Config{QueueCapacity: 16, FlushInterval: 5 * time.Second, WindowSize: 16}, p, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	submitRecords(t, d, 4)
	outs := collectOutcomes(t, d, 4)
	require.Len(t, outs, 4)
	assert.Equal(t, 1, d.Window().Samples(), "four records at target 4 form one batch")
	d.Close()
	<-d.Done()
}

func TestFlushIntervalTrigger(t *testing.T) {
	p := newTestPool(t, 1, func(n int64) *stubSession { return &stubSession{id: "s"} })
	st := control.NewState(1, 100)
	d := New(Config{QueueCapacity: 16, FlushInterval: 20 * time.Millisecond, WindowSize: 16}, p, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	submitRecords(t, d, 2)
	outs := collectOutcomes(t, d, 2)
	require.Len(t, outs, 2)
	for _, o := range outs {
		require.NotNil(t, o.Result)
	}
	d.Close()
	<-d.Done()
}

func TestCancelResolvesQueuedRecords(t *testing.T) {
	p := newTestPool(t, 1, func(n int64) *stubSession {
		return &stubSession{id: "s", latency: 50 * time.Millisecond}
	})
	st := control.NewState(1, 1)
	d := New(Config{QueueCapacity: 64, FlushInterval: time.Millisecond, WindowSize: 16}, p, st)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	submitRecords(t, d, 10)
	cancel()

	var outs []models.Outcome
	for o := range d.Outcomes() {
		outs = append(outs, o)
	}
	<-d.Done()

	assert.Len(t, outs, 10, "cancellation must not drop records silently")
	var cancelled int
	for _, o := range outs {
		if o.Failure != nil && o.Failure.Kind == models.FailureCancelled {
			cancelled++
			assert.True(t, o.Failure.Retriable)
		}
	}
	assert.Greater(t, cancelled, 0)
}

func TestSemCancelWakesBlockedAcquire(t *testing.T) {
	s := newDynSem(func() int { return 1 })
	require.NoError(t, s.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.acquire(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire did not return")
	}
	s.release()
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p := newTestPool(t, 1, func(n int64) *stubSession { return &stubSession{id: "s"} })
	st := control.NewState(1, 1)
	d := New(Config{QueueCapacity: 4, FlushInterval: time.Millisecond, WindowSize: 4}, p, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Close()
	err := d.Submit(context.Background(), models.Record{ID: "late"})
	assert.ErrorIs(t, err, ErrIntakeClosed)
	<-d.Done()
}

func TestWindowFeedsController(t *testing.T) {
	w := NewWindow(8)
	for i := 0; i < 10; i++ {
		w.Observe(time.Duration(i+1)*time.Millisecond, 4, i%2)
	}
	assert.Equal(t, 8, w.Samples())
	assert.Greater(t, w.FailureRate(), 0.0)
	assert.GreaterOrEqual(t, w.LatencyP95(), 8*time.Millisecond)
}
