package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"condenser/pkg/logger"
	"condenser/pkg/pool"
)

func init() { logger.Init() }

type staticFeed struct {
	p95     time.Duration
	fail    float64
	samples int
}

func (f staticFeed) LatencyP95() time.Duration { return f.p95 }
func (f staticFeed) FailureRate() float64      { return f.fail }
func (f staticFeed) Samples() int              { return f.samples }

func testConfig() Config {
	return Config{
		Cadence:            time.Second,
		LatencyCeiling:     100 * time.Millisecond,
		FailureRateCeiling: 0.2,
		Step:               1,
		BatchStep:          1,
		MaxBatchSize:       8,
	}
}

func poolWith(idle, capacity int) func() pool.Metrics {
	return func() pool.Metrics { return pool.Metrics{Idle: idle, Capacity: capacity} }
}

func TestHighLatencyDecreasesMonotonically(t *testing.T) {
	st := NewState(4, 8)
	feed := staticFeed{p95: 500 * time.Millisecond, samples: 100}
	c := New(testConfig(), st, feed, poolWith(0, 4), nil)

	prev := st.Concurrency()
	for i := 0; i < 10; i++ {
		c.Evaluate()
		cur := st.Concurrency()
		assert.LessOrEqual(t, cur, prev, "concurrency must never grow under pressure")
		if prev > 1 {
			assert.Equal(t, prev-1, cur, "expected one-step decrease")
		}
		prev = cur
	}
	assert.Equal(t, 1, st.Concurrency(), "floor is 1")
	assert.Equal(t, 1, st.BatchSize(), "batch floor is 1")
}

func TestComfortableFeedIncreasesToCapacity(t *testing.T) {
	st := NewState(1, 1)
	feed := staticFeed{p95: 10 * time.Millisecond, fail: 0.0, samples: 100}
	c := New(testConfig(), st, feed, poolWith(2, 4), nil)

	prev := st.Concurrency()
	for i := 0; i < 10; i++ {
		c.Evaluate()
		cur := st.Concurrency()
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	assert.Equal(t, 4, st.Concurrency(), "ceiling is pool capacity")
	assert.Equal(t, 8, st.BatchSize(), "batch grows back to its ceiling")
}

func TestFailureRateDecreasesConcurrencyOnly(t *testing.T) {
	st := NewState(4, 8)
	feed := staticFeed{p95: 10 * time.Millisecond, fail: 0.9, samples: 50}
	c := New(testConfig(), st, feed, poolWith(0, 4), nil)

	c.Evaluate()
	assert.Equal(t, 3, st.Concurrency())
	assert.Equal(t, 8, st.BatchSize(), "failure pressure leaves batch size alone")
}

func TestMemoryPressureShrinks(t *testing.T) {
	st := NewState(4, 8)
	cfg := testConfig()
	cfg.MemoryCeiling = 0.9
	feed := staticFeed{p95: 10 * time.Millisecond, samples: 50}
	c := New(cfg, st, feed, poolWith(0, 4), func() float64 { return 0.95 })

	c.Evaluate()
	assert.Equal(t, 3, st.Concurrency())
	assert.Equal(t, 7, st.BatchSize())
}

func TestNoSamplesNoChange(t *testing.T) {
	st := NewState(2, 4)
	c := New(testConfig(), st, staticFeed{}, poolWith(4, 4), nil)
	c.Evaluate()
	conc, batch := st.Load()
	assert.Equal(t, 2, conc)
	assert.Equal(t, 4, batch)
}

func TestNoIdleCapacityNoGrowth(t *testing.T) {
	st := NewState(2, 8)
	feed := staticFeed{p95: 10 * time.Millisecond, samples: 50}
	c := New(testConfig(), st, feed, poolWith(0, 4), nil)
	c.Evaluate()
	assert.Equal(t, 2, st.Concurrency(), "no idle sessions means no growth")
}

func TestStateLoadIsNotTorn(t *testing.T) {
	st := NewState(3, 5)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			st.set(3, 5)
			st.set(7, 9)
		}
	}()
	for i := 0; i < 10000; i++ {
		c, b := st.Load()
		valid := (c == 3 && b == 5) || (c == 7 && b == 9)
		if !valid {
			t.Fatalf("torn read: concurrency=%d batch=%d", c, b)
		}
	}
	<-done
}
