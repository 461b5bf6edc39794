// Package pool owns the fixed set of inference sessions and hands them out
// as exclusive leases. Leasing is the only synchronization for sessions:
// a handle is owned by the pool while idle and by exactly one caller while
// leased, so Execute never needs a lock.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"condenser/pkg/engine"
	"condenser/pkg/logger"
	"condenser/pkg/telemetry"
)

var (
	// ErrPoolExhausted is returned when no session became available within
	// the caller's deadline. Recoverable by backoff and retry.
	ErrPoolExhausted = errors.New("session pool exhausted")
	// ErrPoolDead is returned once every slot is permanently out of
	// service. The orchestrator treats it as fatal.
	ErrPoolDead = errors.New("session pool dead: all sessions failed")
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("session pool closed")
)

// HandleState tracks a slot through its lifecycle.
type HandleState int

const (
	StateIdle HandleState = iota
	StateLeased
	StateUnhealthy
	StateDead
)

func (s HandleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateUnhealthy:
		return "unhealthy"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// handle binds a slot to its current session. State transitions happen under
// the pool mutex; the session itself is only touched by the lease holder.
type handle struct {
	slot  int
	sess  engine.Session
	state HandleState
}

// Metrics is a consistent snapshot of pool health and utilization.
type Metrics struct {
	Capacity      int
	Idle          int
	Leased        int
	Unhealthy     int
	Dead          int
	LeasesGranted uint64
	// LeaseWait is cumulative time callers spent blocked in Acquire.
	LeaseWait time.Duration
}

// Pool is the fixed-capacity session pool. Size never grows after New, which
// bounds worst-case resident device memory.
type Pool struct {
	factory  engine.Factory
	capacity int

	// idle conveys ownership of handles from the pool to acquirers.
	idle chan *handle

	mu      sync.Mutex
	handles []*handle
	granted uint64
	waitNS  int64
	closed  bool
	dead    int

	// deadCh closes when every slot is permanently dead so blocked
	// acquirers fail fast instead of waiting out their deadline.
	deadCh   chan struct{}
	deadOnce sync.Once

	repairWG sync.WaitGroup
}

// New fills a pool with capacity sessions built by factory. Device selection
// (accelerator with CPU fallback) happens inside the factory, once per slot.
func New(capacity int, factory engine.Factory) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be >= 1, got %d", capacity)
	}
	p := &Pool{
		factory:  factory,
		capacity: capacity,
		idle:     make(chan *handle, capacity),
		handles:  make([]*handle, 0, capacity),
		deadCh:   make(chan struct{}),
	}
	for i := 0; i < capacity; i++ {
		sess, err := factory()
		if err != nil {
			p.teardownLocked()
			return nil, fmt.Errorf("pool fill slot %d: %w", i, err)
		}
		h := &handle{slot: i, sess: sess, state: StateIdle}
		p.handles = append(p.handles, h)
		p.idle <- h
	}
	p.publishGauges()
	logger.Info("pool_filled", "capacity", capacity)
	return p, nil
}

// Acquire blocks until an idle session is available or ctx expires. Deadline
// expiry maps to ErrPoolExhausted; plain cancellation propagates ctx.Err().
// On success the returned lease exclusively owns one session until Release.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.dead == p.capacity {
		p.mu.Unlock()
		return nil, ErrPoolDead
	}
	p.mu.Unlock()

	start := time.Now()
	select {
	case h := <-p.idle:
		wait := time.Since(start)
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.closeHandle(h)
			return nil, ErrPoolClosed
		}
		h.state = StateLeased
		p.granted++
		p.waitNS += int64(wait)
		p.mu.Unlock()
		p.publishGauges()
		telemetry.LeasesGranted.Inc()
		telemetry.LeaseWaitSeconds.Observe(wait.Seconds())
		return &Lease{p: p, h: h}, nil
	case <-p.deadCh:
		return nil, ErrPoolDead
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Metrics returns a consistent snapshot; no partial reads across concurrent
// mutation.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{
		Capacity:      p.capacity,
		LeasesGranted: p.granted,
		LeaseWait:     time.Duration(p.waitNS),
	}
	for _, h := range p.handles {
		switch h.state {
		case StateIdle:
			m.Idle++
		case StateLeased:
			m.Leased++
		case StateUnhealthy:
			m.Unhealthy++
		case StateDead:
			m.Dead++
		}
	}
	return m
}

// Capacity returns the fixed pool size.
func (p *Pool) Capacity() int { return p.capacity }

// Dead reports whether every slot is permanently out of service.
func (p *Pool) Dead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dead == p.capacity
}

// Close tears the pool down. The orchestrator only calls this after the
// dispatcher has drained, so no leases should be outstanding; any that are
// get their sessions closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.repairWG.Wait()

	for {
		select {
		case h := <-p.idle:
			p.closeHandle(h)
		default:
			p.publishGauges()
			logger.Info("pool_closed")
			return
		}
	}
}

func (p *Pool) closeHandle(h *handle) {
	if h.sess != nil {
		if err := h.sess.Close(); err != nil {
			logger.Warn("session_close_failed", "session", h.sess.ID(), "error", err)
		}
		h.sess = nil
	}
	p.mu.Lock()
	h.state = StateDead
	p.mu.Unlock()
}

// teardownLocked closes sessions created during a failed fill. Only called
// from New before the pool is visible to other goroutines.
func (p *Pool) teardownLocked() {
	for _, h := range p.handles {
		if h.sess != nil {
			_ = h.sess.Close()
		}
	}
}

// release returns a handle after lease use. Healthy handles go straight back
// to idle; faulted ones are repaired asynchronously with exactly one
// recreation attempt. A failed recreation kills the slot for good.
func (p *Pool) release(h *handle, faulted bool) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.closeHandle(h)
		return
	}

	if !faulted {
		p.mu.Lock()
		h.state = StateIdle
		p.mu.Unlock()
		p.idle <- h
		p.publishGauges()
		return
	}

	p.mu.Lock()
	h.state = StateUnhealthy
	p.mu.Unlock()
	p.publishGauges()
	logger.Warn("session_unhealthy", "slot", h.slot)

	p.repairWG.Add(1)
	go func() {
		defer p.repairWG.Done()
		p.repair(h)
	}()
}

// repair tears down the faulted session and builds a replacement through the
// same device-selection factory. The handle is never offered while unhealthy.
func (p *Pool) repair(h *handle) {
	if h.sess != nil {
		_ = h.sess.Close()
		h.sess = nil
	}
	sess, err := p.factory()
	if err != nil {
		telemetry.SessionRepairs.WithLabelValues("failed").Inc()
		logger.Error("session_repair_failed", "slot", h.slot, "error", err)
		p.mu.Lock()
		h.state = StateDead
		p.dead++
		allDead := p.dead == p.capacity
		p.mu.Unlock()
		p.publishGauges()
		if allDead {
			p.deadOnce.Do(func() { close(p.deadCh) })
			logger.Error("pool_dead")
		}
		return
	}
	telemetry.SessionRepairs.WithLabelValues("repaired").Inc()
	logger.Info("session_repaired", "slot", h.slot, "session", sess.ID(), "device", sess.Device())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = sess.Close()
		return
	}
	h.sess = sess
	h.state = StateIdle
	p.mu.Unlock()
	p.idle <- h
	p.publishGauges()
}

func (p *Pool) publishGauges() {
	m := p.Metrics()
	telemetry.SessionsByState.WithLabelValues("idle").Set(float64(m.Idle))
	telemetry.SessionsByState.WithLabelValues("leased").Set(float64(m.Leased))
	telemetry.SessionsByState.WithLabelValues("unhealthy").Set(float64(m.Unhealthy))
	telemetry.SessionsByState.WithLabelValues("dead").Set(float64(m.Dead))
}
