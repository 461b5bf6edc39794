package models

import "time"

// Record is one unit of content pulled from the source database. It is
// immutable once read; ownership moves from the orchestrator into a batch
// when dispatched.
type Record struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Attempt counts how many times this record has been submitted for
	// inference. Zero on first delivery; bumped by the orchestrator on retry.
	Attempt int `json:"attempt,omitempty"`
}

// InferenceResult is the successful outcome for exactly one record.
type InferenceResult struct {
	RecordID  string        `json:"record_id"`
	Summary   string        `json:"summary"`
	Latency   time.Duration `json:"latency_ns"`
	SessionID string        `json:"session_id"`
	// Produced timestamp (ns)
	ProducedTS int64 `json:"produced_ts,omitempty"`
}

// FailureKind classifies why a record could not be summarized.
type FailureKind string

const (
	FailureEngine    FailureKind = "engine"
	FailureOversized FailureKind = "oversized"
	FailureCancelled FailureKind = "cancelled"
	FailurePool      FailureKind = "pool"
	FailureSink      FailureKind = "sink"
)

// ProcessingFailure is the per-record failure outcome. It travels in the
// result stream as a value; it is never raised across component boundaries.
type ProcessingFailure struct {
	RecordID  string      `json:"record_id"`
	Kind      FailureKind `json:"kind"`
	Retriable bool        `json:"retriable"`
	// Err carries detail for logs and the sink; not used for control flow.
	Err error `json:"-"`
	// Detail is the serialized form of Err for sink persistence.
	Detail string `json:"detail,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
}

// Outcome is the union emitted downstream; exactly one of Result or Failure
// is set for each submitted record.
type Outcome struct {
	Result  *InferenceResult
	Failure *ProcessingFailure
}

// RecordID returns the id of the record this outcome resolves, whichever arm
// is set.
func (o Outcome) RecordID() string {
	if o.Result != nil {
		return o.Result.RecordID
	}
	if o.Failure != nil {
		return o.Failure.RecordID
	}
	return ""
}
