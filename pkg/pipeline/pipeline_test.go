package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"condenser/pkg/control"
	"condenser/pkg/dispatch"
	"condenser/pkg/engine"
	"condenser/pkg/logger"
	"condenser/pkg/models"
	"condenser/pkg/pool"
)

func init() { logger.Init() }

// memSource pages a fixed record slice, tracking acks.
type memSource struct {
	mu      sync.Mutex
	records []models.Record
	next    int
	acked   int
	pending int
}

func newMemSource(n int) *memSource {
	s := &memSource{}
	for i := 0; i < n; i++ {
		s.records = append(s.records, models.Record{
			ID:      fmt.Sprintf("r%02d", i),
			Content: fmt.Sprintf("content %d", i),
		})
	}
	return s
}

func (s *memSource) Next(ctx context.Context, max int) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.records) {
		return nil, nil
	}
	end := s.next + max
	if end > len(s.records) {
		end = len(s.records)
	}
	page := s.records[s.next:end]
	s.pending = end
	s.next = end
	return page, nil
}

func (s *memSource) Ack(ctx context.Context) error {
	s.mu.Lock()
	s.acked = s.pending
	s.mu.Unlock()
	return nil
}

func (s *memSource) ackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

// memSink records outcomes keyed by record id.
type memSink struct {
	mu       sync.Mutex
	results  map[string]*models.InferenceResult
	failures map[string]*models.ProcessingFailure
	// rejectResults makes WriteResult fail for these record ids.
	rejectResults map[string]bool
}

func newMemSink() *memSink {
	return &memSink{
		results:  make(map[string]*models.InferenceResult),
		failures: make(map[string]*models.ProcessingFailure),
	}
}

func (s *memSink) WriteResult(ctx context.Context, res *models.InferenceResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectResults[res.RecordID] {
		return fmt.Errorf("disk full")
	}
	s.results[res.RecordID] = res
	return nil
}

func (s *memSink) WriteFailure(ctx context.Context, f *models.ProcessingFailure) error {
	s.mu.Lock()
	s.failures[f.RecordID] = f
	s.mu.Unlock()
	return nil
}

func (s *memSink) counts() (results, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results), len(s.failures)
}

// flakySession fails the records in failIDs the first failCount times each
// is seen, then succeeds.
type flakySession struct {
	id        string
	latency   time.Duration
	failIDs   map[string]int
	mu        *sync.Mutex
	brokenRun bool
}

func (s *flakySession) ID() string            { return s.id }
func (s *flakySession) Device() engine.Device { return engine.DeviceCPU }
func (s *flakySession) Close() error          { return nil }

func (s *flakySession) Execute(ctx context.Context, recs []models.Record) ([]engine.Completion, error) {
	if s.brokenRun {
		return nil, &engine.EngineError{SessionID: s.id, Reason: "simulated device crash"}
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
		c := engine.Completion{RecordID: r.ID, Summary: "sum:" + r.ID}
		if s.failIDs != nil {
			s.mu.Lock()
			if n := s.failIDs[r.ID]; n > 0 {
				s.failIDs[r.ID] = n - 1
				c = engine.Completion{RecordID: r.ID, Err: fmt.Errorf("transient decode error")}
			}
			s.mu.Unlock()
		}
		out[i] = c
	}
	return out, nil
}

type rig struct {
	pool *pool.Pool
	disp *dispatch.Dispatcher
	sink *memSink
}

func newRig(t *testing.T, capacity int, build func(n int64) engine.Session) *rig {
	t.Helper()
	var seq atomic.Int64
	p, err := pool.New(capacity, func() (engine.Session, error) {
		return build(seq.Add(1)), nil
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)

	st := control.NewState(capacity, 4)
	d := dispatch.New(dispatch.Config{
		QueueCapacity: 32,
		FlushInterval: 10 * time.Millisecond,
	}, p, st)
	return &rig{pool: p, disp: d, sink: newMemSink()}
}

func runPipeline(t *testing.T, r *rig, src Source, cfg Config) error {
	t.Helper()
	orc := New(cfg, src, r.sink, r.disp, r.pool)
	done := make(chan error, 1)
	go func() { done <- orc.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(15 * time.Second):
		t.Fatalf("pipeline did not finish")
		return nil
	}
}

func TestRunToCompletion(t *testing.T) {
	r := newRig(t, 2, func(n int64) engine.Session {
		return &flakySession{id: fmt.Sprintf("s%d", n)}
	})
	src := newMemSource(10)

	err := runPipeline(t, r, src, Config{PageSize: 4})
	require.NoError(t, err)

	results, failures := r.sink.counts()
	assert.Equal(t, 10, results)
	assert.Equal(t, 0, failures)
	assert.Equal(t, 10, src.ackedCount())
}

func TestTransientFailureRetriedToSuccess(t *testing.T) {
	var mu sync.Mutex
	failIDs := map[string]int{"r03": 1}
	r := newRig(t, 1, func(n int64) engine.Session {
		return &flakySession{id: fmt.Sprintf("s%d", n), failIDs: failIDs, mu: &mu}
	})
	src := newMemSource(6)

	orc := New(Config{
		PageSize: 3,
		Retry:    RetryPolicy{MaxAttempts: 3, BaseBackoff: 5 * time.Millisecond},
	}, src, r.sink, r.disp, r.pool)
	require.NoError(t, orc.Run(context.Background()))

	results, failures := r.sink.counts()
	assert.Equal(t, 6, results)
	assert.Equal(t, 0, failures)
	assert.GreaterOrEqual(t, orc.Progress().Retried, uint64(1))
}

func TestRetriesExhaustedWritesFailure(t *testing.T) {
	var mu sync.Mutex
	failIDs := map[string]int{"r01": 100}
	r := newRig(t, 1, func(n int64) engine.Session {
		return &flakySession{id: fmt.Sprintf("s%d", n), failIDs: failIDs, mu: &mu}
	})
	src := newMemSource(3)

	orc := New(Config{
		PageSize: 3,
		Retry:    RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond},
	}, src, r.sink, r.disp, r.pool)
	require.NoError(t, orc.Run(context.Background()))

	results, failures := r.sink.counts()
	assert.Equal(t, 2, results)
	assert.Equal(t, 1, failures)

	r.sink.mu.Lock()
	f := r.sink.failures["r01"]
	r.sink.mu.Unlock()
	require.NotNil(t, f)
	assert.Equal(t, models.FailureEngine, f.Kind)
	// Two retries happened before giving up.
	assert.Equal(t, uint64(2), orc.Progress().Retried)
}

func TestRejectedResultCountsAsFailed(t *testing.T) {
	r := newRig(t, 1, func(n int64) engine.Session {
		return &flakySession{id: fmt.Sprintf("s%d", n)}
	})
	r.sink.rejectResults = map[string]bool{"r02": true}
	src := newMemSource(5)

	orc := New(Config{PageSize: 5}, src, r.sink, r.disp, r.pool)
	require.NoError(t, orc.Run(context.Background()))

	results, failures := r.sink.counts()
	assert.Equal(t, 4, results)
	assert.Equal(t, 1, failures)

	r.sink.mu.Lock()
	f := r.sink.failures["r02"]
	r.sink.mu.Unlock()
	require.NotNil(t, f)
	assert.Equal(t, models.FailureSink, f.Kind)

	// The lost summary must not be reported as a success.
	assert.Equal(t, uint64(4), orc.Progress().Succeeded)
	assert.Equal(t, uint64(1), orc.Progress().Failed)
	assert.Zero(t, orc.Progress().InFlight)
}

func TestCancelResolvesEverySubmittedRecord(t *testing.T) {
	r := newRig(t, 1, func(n int64) engine.Session {
		return &flakySession{id: fmt.Sprintf("s%d", n), latency: 30 * time.Millisecond}
	})
	src := newMemSource(20)

	ctx, cancel := context.WithCancel(context.Background())
	orc := New(Config{PageSize: 20}, src, r.sink, r.disp, r.pool)
	done := make(chan error, 1)
	go func() { done <- orc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	// Every record the pump submitted must reach the sink one way or the
	// other; none may be silently dropped.
	results, failures := r.sink.counts()
	assert.Equal(t, int(orc.Progress().Submitted), results+failures)
	assert.Zero(t, orc.Progress().InFlight)
}

func TestDeadPoolStopsPump(t *testing.T) {
	built := atomic.Int64{}
	r := &rig{sink: newMemSink()}
	p, err := pool.New(1, func() (engine.Session, error) {
		if built.Add(1) > 1 {
			return nil, fmt.Errorf("device gone")
		}
		return &flakySession{id: "s1", brokenRun: true}, nil
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	r.pool = p
	r.disp = dispatch.New(dispatch.Config{
		QueueCapacity: 8,
		FlushInterval: 5 * time.Millisecond,
	}, p, control.NewState(1, 2))

	src := newMemSource(10)
	orc := New(Config{
		PageSize: 2,
		Retry:    RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond},
	}, src, r.sink, r.disp, r.pool)

	err = orc.Run(context.Background())
	require.ErrorIs(t, err, pool.ErrPoolDead)

	// Records that reached the dispatcher resolved as failures.
	_, failures := r.sink.counts()
	assert.Greater(t, failures, 0)
	assert.Zero(t, orc.Progress().InFlight)
}
