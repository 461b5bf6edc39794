package dispatch

import (
	"context"
	"sync"
)

// dynSem is a counting semaphore whose limit is re-read on every acquire, so
// the controller can raise or lower the in-flight batch ceiling without the
// dispatcher rebuilding anything. A lowered limit takes effect as running
// batches release; a raised limit is observed at the next release broadcast,
// which is guaranteed to come because waiters only block while at least one
// batch is in flight.
type dynSem struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active int
	limit  func() int
}

func newDynSem(limit func() int) *dynSem {
	s := &dynSem{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire blocks cooperatively until a slot is free or ctx is done.
func (s *dynSem) acquire(ctx context.Context) error {
	// Wake the cond wait when ctx fires; Wait cannot select on a channel.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Broadcast under the lock, or a waiter between its ctx check
			// and Wait would miss the wakeup and block until the next
			// release.
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		lim := s.limit()
		if lim < 1 {
			lim = 1
		}
		if s.active < lim {
			s.active++
			return nil
		}
		s.cond.Wait()
	}
}

func (s *dynSem) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *dynSem) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
