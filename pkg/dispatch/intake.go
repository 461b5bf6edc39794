package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"condenser/pkg/models"
	"condenser/pkg/telemetry"
)

var (
	// ErrIntakeClosed is returned by Put after Close.
	ErrIntakeClosed = errors.New("dispatch intake closed")
)

// maxPooledBuffer controls the largest content buffer that will be returned
// to the byte pool. Larger buffers are dropped so resident memory stays
// bounded.
const maxPooledBuffer = 256 * 1024

var itemPool = sync.Pool{New: func() any { return &intakeItem{} }}

// intakeItem is one queued record. Content bytes may be backed by a pooled
// buffer; the batch builder must call done() exactly once after converting
// the item into a Record.
type intakeItem struct {
	RecordID  string
	Content   []byte
	CreatedTS int64
	Attempt   int

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// record materializes the item into an immutable Record. Call done()
// afterwards to release the pooled buffer.
func (it *intakeItem) record() models.Record {
	return models.Record{
		ID:        it.RecordID,
		Content:   string(it.Content),
		CreatedTS: it.CreatedTS,
		Attempt:   it.Attempt,
	}
}

func (it *intakeItem) done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		it.Content = nil
		itemPool.Put(it)
	})
}

// intake is the bounded queue between the orchestrator and the batch loop.
// Safe for concurrent producers; the batch loop is the single consumer.
type intake struct {
	ch       chan *intakeItem
	capacity int
	dropped  uint64

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newIntake(capacity int) *intake {
	if capacity <= 0 {
		capacity = 1024
	}
	return &intake{ch: make(chan *intakeItem, capacity), capacity: capacity, closedCh: make(chan struct{})}
}

// put copies the record's content into a pooled buffer and enqueues it,
// blocking until space is available or ctx is done.
func (q *intake) put(ctx context.Context, rec models.Record) error {
	select {
	case <-q.closedCh:
		return ErrIntakeClosed
	default:
	}

	it := itemPool.Get().(*intakeItem)
	*it = intakeItem{RecordID: rec.ID, CreatedTS: rec.CreatedTS, Attempt: rec.Attempt}
	if len(rec.Content) > 0 {
		bb := bytebufferpool.Get()
		bb.B = append(bb.B[:0], rec.Content...)
		it.buf = bb
		it.Content = bb.B
	}

	select {
	case q.ch <- it:
		return nil
	case <-q.closedCh:
		it.done()
		atomic.AddUint64(&q.dropped, 1)
		telemetry.IntakeDropped.Inc()
		return ErrIntakeClosed
	case <-ctx.Done():
		it.done()
		atomic.AddUint64(&q.dropped, 1)
		telemetry.IntakeDropped.Inc()
		return ctx.Err()
	}
}

// close stops producers. Items already queued remain and are drained by the
// batch loop.
func (q *intake) close() {
	q.closeOnce.Do(func() { close(q.closedCh) })
}

// next blocks for the first item of a batch. ok is false once the intake is
// closed and empty, or when ctx is cancelled.
func (q *intake) next(ctx context.Context) (*intakeItem, bool) {
	select {
	case it := <-q.ch:
		return it, true
	default:
	}
	select {
	case it := <-q.ch:
		return it, true
	case <-ctx.Done():
		return nil, false
	case <-q.closedCh:
		// Closed: drain whatever is still queued before reporting empty.
		select {
		case it := <-q.ch:
			return it, true
		default:
			return nil, false
		}
	}
}

// tryNext is the non-blocking variant used while filling a batch.
func (q *intake) tryNext() (*intakeItem, bool) {
	select {
	case it := <-q.ch:
		return it, true
	default:
		return nil, false
	}
}

// drain empties remaining items, handing each to fn.
func (q *intake) drain(fn func(*intakeItem)) {
	for {
		select {
		case it := <-q.ch:
			fn(it)
		default:
			return
		}
	}
}

func (q *intake) len() int { return len(q.ch) }

func (q *intake) droppedCount() uint64 { return atomic.LoadUint64(&q.dropped) }
