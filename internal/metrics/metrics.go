// Package metrics holds the Prometheus collectors of the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certbroker_tasks_processed_total",
			Help: "Tasks handled by the worker pool, by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certbroker_task_duration_seconds",
			Help:    "Task handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	LedgerEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certbroker_ledger_entries_total",
			Help: "Persisted ledger entries, by ledger and type",
		},
		[]string{"ledger", "type"},
	)

	ChargesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certbroker_charges_rejected_total",
			Help: "Charges rolled back, by error code",
		},
		[]string{"code"},
	)

	DelegationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certbroker_delegation_checks_total",
			Help: "Live CNAME delegation checks, by result",
		},
		[]string{"result"},
	)

	DelegationWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "certbroker_delegation_txt_writes_total",
		Help: "TXT token sets written through the delegation writer",
	})

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certbroker_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)
