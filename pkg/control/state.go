// Package control holds the shared concurrency state and the adaptive
// controller that is its only writer.
package control

import "sync/atomic"

// State carries the dispatcher's two tunables: the number of concurrently
// active leases and the batch size target. Both are packed into a single
// atomic word so readers never observe a torn pair.
type State struct {
	v atomic.Uint64
}

// NewState returns a State seeded with the given values.
func NewState(concurrency, batchSize int) *State {
	s := &State{}
	s.set(concurrency, batchSize)
	return s
}

// Load returns the current allowed concurrency and batch size target.
func (s *State) Load() (concurrency, batchSize int) {
	v := s.v.Load()
	return int(v >> 32), int(v & 0xffffffff)
}

// Concurrency returns just the allowed-concurrency half.
func (s *State) Concurrency() int {
	c, _ := s.Load()
	return c
}

// BatchSize returns just the batch-size half.
func (s *State) BatchSize() int {
	_, b := s.Load()
	return b
}

func (s *State) set(concurrency, batchSize int) {
	if concurrency < 1 {
		concurrency = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}
	s.v.Store(uint64(concurrency)<<32 | uint64(uint32(batchSize)))
}
