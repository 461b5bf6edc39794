// Package engine provides inference sessions used by the session pool. A
// session binds one engine instance to a device at construction time and is
// used exclusively by a single lease holder at a time; nothing here locks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"condenser/pkg/logger"
	"condenser/pkg/models"
)

// Device identifies the execution substrate a session is bound to.
type Device string

const (
	DeviceAccelerator Device = "accelerator"
	DeviceCPU         Device = "cpu"
)

// ErrContentTooLarge marks a record whose content exceeds the configured
// limit. It is a per-record, non-retriable condition, not a device fault.
var ErrContentTooLarge = errors.New("content exceeds engine size limit")

// EngineError reports a device-level execution fault (memory exhaustion,
// device disconnect). The pool downgrades the session to unhealthy when a
// call returns one.
type EngineError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine %s: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("engine %s: %s", e.SessionID, e.Reason)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Completion is the per-record output of one Execute call. Err is set when
// the engine could not produce a summary for that record; NonRetriable marks
// inputs that will never succeed (e.g. oversized content).
type Completion struct {
	RecordID     string
	Summary      string
	Err          error
	NonRetriable bool
}

// Session is the capability handed out by the pool. Execute returns partial
// results: sibling records are not failed by one bad record. A non-nil error
// return is either the context error (cancellation, session still usable) or
// an *EngineError meaning the session itself is no longer usable.
type Session interface {
	ID() string
	Device() Device
	Execute(ctx context.Context, recs []models.Record) ([]Completion, error)
	Close() error
}

// Config carries engine construction options, read once at startup.
type Config struct {
	ModelPath     string
	TokenizerPath string
	// MaxContentBytes caps per-record input; 0 means no cap.
	MaxContentBytes int
	// PreferAccelerator selects the device policy: try the accelerator
	// probe first and fall back to CPU when it fails.
	PreferAccelerator bool
}

// Factory constructs a fresh session. The pool uses one factory for the
// initial fill and for every repair.
type Factory func() (Session, error)

var sessionSeq uint64

func nextSessionID(dev Device) string {
	n := atomic.AddUint64(&sessionSeq, 1)
	return fmt.Sprintf("sess-%s-%d", dev, n)
}

// NewSession applies the device-selection policy once: prefer the
// accelerator when configured and present, otherwise construct the CPU
// variant. Sessions never migrate devices mid-lifetime.
func NewSession(cfg Config) (Session, error) {
	if cfg.ModelPath != "" {
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("model path %s: %w", cfg.ModelPath, err)
		}
	}
	if cfg.PreferAccelerator {
		if s, err := newAcceleratorSession(cfg); err == nil {
			logger.Info("engine_session_created", "session", s.ID(), "device", DeviceAccelerator)
			return s, nil
		} else {
			logger.Warn("accelerator_unavailable_falling_back", "error", err)
		}
	}
	s := newCPUSession(cfg)
	logger.Info("engine_session_created", "session", s.ID(), "device", DeviceCPU)
	return s, nil
}

// FactoryFromConfig binds cfg into a Factory for the pool.
func FactoryFromConfig(cfg Config) Factory {
	return func() (Session, error) { return NewSession(cfg) }
}

// execute is the shared summarization core. Device binding differentiates
// construction and placement, not the algorithm.
func execute(ctx context.Context, sessionID string, maxContent int, recs []models.Record) ([]Completion, error) {
	out := make([]Completion, 0, len(recs))
	for _, rec := range recs {
		select {
		case <-ctx.Done():
			// Cancellation is not a device fault; the session stays usable.
			return out, ctx.Err()
		default:
		}
		if maxContent > 0 && len(rec.Content) > maxContent {
			out = append(out, Completion{RecordID: rec.ID, Err: ErrContentTooLarge, NonRetriable: true})
			continue
		}
		out = append(out, Completion{RecordID: rec.ID, Summary: summarize(rec.Content)})
	}
	return out, nil
}
