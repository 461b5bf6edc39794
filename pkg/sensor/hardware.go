package sensor

import (
	"runtime"
	"sync"
	"time"
)

// Snapshot is a lightweight view of host resources used for adaptive
// concurrency decisions. Fields are best-effort and may be zero on
// unsupported platforms.
type Snapshot struct {
	Timestamp time.Time

	// Host memory in bytes
	MemTotal uint64
	MemUsed  uint64

	// Go heap in use, for the fallback estimate when host totals are
	// unavailable
	HeapBytes uint64
	HeapSys   uint64

	// Disk totals for the data directory filesystem
	DiskTotal uint64
	DiskFree  uint64
}

// ThrottleRequest is an advisory signal emitted by components that want
// the pipeline to slow down. It feeds Pressure until it ages out.
type ThrottleRequest struct {
	Source string
	Reason string
	// Severity [0..1] where 1 is most urgent
	Severity float64
}

// Sensor polls host resources and exposes a current Snapshot plus a
// combined pressure figure for the concurrency controller.
type Sensor struct {
	mu       sync.RWMutex
	snap     Snapshot
	interval time.Duration
	dataDir  string

	thMu         sync.RWMutex
	handlers     []func(ThrottleRequest)
	lastThrottle ThrottleRequest
	throttleAt   time.Time
	throttleTTL  time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSensor creates a sensor that polls every interval. dataDir names the
// filesystem whose capacity is reported; pass "" to skip disk sampling.
func NewSensor(interval time.Duration, dataDir string) *Sensor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sensor{
		interval:    interval,
		dataDir:     dataDir,
		throttleTTL: 10 * time.Second,
		stop:        make(chan struct{}),
	}
}

// Start begins background polling. Call Stop to terminate.
func (s *Sensor) Start() {
	s.sample()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop stops background polling and waits for the poller to exit.
func (s *Sensor) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Snapshot returns the most recent snapshot.
func (s *Sensor) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// MemoryFraction reports host memory utilization in [0..1]. When host
// totals are unavailable it falls back to the Go heap's share of the
// memory the runtime has claimed.
func (s *Sensor) MemoryFraction() float64 {
	snap := s.Snapshot()
	if snap.MemTotal > 0 {
		return float64(snap.MemUsed) / float64(snap.MemTotal)
	}
	if snap.HeapSys > 0 {
		return float64(snap.HeapBytes) / float64(snap.HeapSys)
	}
	return 0
}

// Pressure combines memory utilization with any recent advisory throttle.
// Throttle severity ages out after throttleTTL so a stale warning cannot
// pin the pipeline at its floor.
func (s *Sensor) Pressure() float64 {
	p := s.MemoryFraction()
	s.thMu.RLock()
	if !s.throttleAt.IsZero() && time.Since(s.throttleAt) < s.throttleTTL {
		if s.lastThrottle.Severity > p {
			p = s.lastThrottle.Severity
		}
	}
	s.thMu.RUnlock()
	return p
}

// RegisterThrottleHandler registers a callback for advisory throttle
// requests. Handlers are invoked asynchronously.
func (s *Sensor) RegisterThrottleHandler(h func(ThrottleRequest)) {
	s.thMu.Lock()
	defer s.thMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// SendThrottle records an advisory throttle request and fans it out to
// registered handlers. Non-blocking.
func (s *Sensor) SendThrottle(req ThrottleRequest) {
	s.thMu.Lock()
	s.lastThrottle = req
	s.throttleAt = time.Now()
	handlers := append([]func(ThrottleRequest){}, s.handlers...)
	s.thMu.Unlock()
	for _, h := range handlers {
		go h(req)
	}
}

func (s *Sensor) sample() {
	snap := Snapshot{Timestamp: time.Now()}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	snap.HeapBytes = memStats.HeapInuse
	snap.HeapSys = memStats.Sys

	total, used := readHostMemory()
	snap.MemTotal = total
	snap.MemUsed = used

	if s.dataDir != "" {
		dtotal, dfree := readDiskUsage(s.dataDir)
		snap.DiskTotal = dtotal
		snap.DiskFree = dfree
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}
