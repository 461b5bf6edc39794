// Package telemetry exposes the process-wide prometheus collectors for the
// pipeline. Collectors live on the default registry and are served from the
// ops listener's /metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool
	LeasesGranted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "condenser_pool_leases_granted_total",
		Help: "Total session leases handed out by the pool.",
	})
	LeaseWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "condenser_pool_lease_wait_seconds",
		Help:    "Time callers spent blocked in Acquire.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "condenser_pool_sessions",
		Help: "Sessions per handle state.",
	}, []string{"state"})
	SessionRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condenser_pool_session_repairs_total",
		Help: "Session recreation attempts after an engine fault.",
	}, []string{"outcome"})

	// Dispatch
	BatchesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "condenser_dispatch_batches_total",
		Help: "Batches submitted to leased sessions.",
	})
	BatchLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "condenser_dispatch_batch_latency_seconds",
		Help:    "Wall time of one batch execute, lease wait excluded.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})
	RecordOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condenser_dispatch_records_total",
		Help: "Per-record outcomes emitted by the dispatcher.",
	}, []string{"outcome"})
	IntakeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "condenser_dispatch_intake_dropped_total",
		Help: "Records rejected or abandoned at the intake queue.",
	})

	// Controller
	AllowedConcurrency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "condenser_control_allowed_concurrency",
		Help: "Current concurrency ceiling set by the controller.",
	})
	BatchSizeTarget = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "condenser_control_batch_size",
		Help: "Current batch size target set by the controller.",
	})
	ControlAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "condenser_control_adjustments_total",
		Help: "Controller steps taken, by direction.",
	}, []string{"direction"})

	// Pipeline
	RecordsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "condenser_pipeline_records_submitted_total",
		Help: "Records handed to the dispatcher, retries included.",
	})
	RecordsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "condenser_pipeline_records_retried_total",
		Help: "Retriable failures re-enqueued by the orchestrator.",
	})
)
