package store

import (
	"context"
	"time"

	"condenser/pkg/models"
)

// PebbleSource pages records out of the store, resuming from the persisted
// cursor. Ack commits the cursor after the caller has fully handed off the
// page, so a crash between Next and Ack redelivers the page on restart.
type PebbleSource struct {
	cursor  string
	pending string
	loaded  bool
}

func NewPebbleSource() *PebbleSource { return &PebbleSource{} }

// Next returns up to max records after the current cursor. A nil slice
// means the scan is exhausted.
func (s *PebbleSource) Next(ctx context.Context, max int) ([]models.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.loaded {
		cur, err := Cursor()
		if err != nil {
			return nil, err
		}
		s.cursor = cur
		s.loaded = true
	}
	recs, last, err := NextRecords(s.cursor, max)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	s.pending = last
	return recs, nil
}

// Ack durably advances the cursor past the last page returned by Next.
func (s *PebbleSource) Ack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.pending == "" {
		return nil
	}
	if err := SetCursor(s.pending); err != nil {
		return err
	}
	s.cursor = s.pending
	s.pending = ""
	return nil
}

// PebbleSink writes outcomes back to the store, keyed by record id so
// redelivered records overwrite rather than duplicate.
type PebbleSink struct{}

func NewPebbleSink() *PebbleSink { return &PebbleSink{} }

func (PebbleSink) WriteResult(ctx context.Context, res *models.InferenceResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return SaveResult(res)
}

func (PebbleSink) WriteFailure(ctx context.Context, f *models.ProcessingFailure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.CreatedTS == 0 {
		f.CreatedTS = time.Now().UnixNano()
	}
	if f.Detail == "" && f.Err != nil {
		f.Detail = f.Err.Error()
	}
	return SaveFailure(f)
}
