// Package metrics exposes the Prometheus collectors for the cap table service.
// Collectors are package-level so they register exactly once per process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TxRetries counts serializable transactions retried after a serialization failure.
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "captable_tx_retries_total",
		Help: "Total number of transaction retries after serialization failures or deadlocks",
	})

	// InvariantViolations counts ownership writes rejected because the 100% sum would break.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "captable_invariant_violations_total",
		Help: "Total number of ownership writes aborted by the sum invariant",
	})

	TransfersByOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captable_transfers_total",
		Help: "Transfer workflow transitions by resulting status",
	}, []string{"status"})

	ListingLockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captable_listing_lock_attempts_total",
		Help: "Listing lock attempts by result",
	}, []string{"result"})

	LedgerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captable_ledger_requests_total",
		Help: "External ledger calls by kind and result",
	}, []string{"kind", "result"})

	LedgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "captable_ledger_request_duration_seconds",
		Help:    "External ledger call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "captable_outbox_pending",
		Help: "Ledger sync tasks still pending after the last drain",
	})

	AuditEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captable_audit_events_emitted_total",
		Help: "Audit events delivered to the event sink by result",
	}, []string{"result"})

	AuditPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "captable_audit_events_pruned_total",
		Help: "Audit events deleted after the retention period",
	})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "captable_job_runs_total",
		Help: "Background job executions by job and result",
	}, []string{"job", "result"})
)
