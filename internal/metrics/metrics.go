// Package metrics provides Prometheus metrics for the transfer engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_queue_tasks_total",
			Help: "Tasks that reached a terminal state, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	bytesTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transfer_queue_bytes_transferred_total",
			Help: "Payload bytes moved by file transfers",
		},
	)

	busyWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "transfer_queue_busy_workers",
			Help: "Workers currently executing a task, by lane",
		},
		[]string{"lane"},
	)

	registrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "transfer_queue_registry_nodes",
			Help: "Nodes currently held in the task registry",
		},
	)

	rejectedInserts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "transfer_queue_rejected_inserts_total",
			Help: "Task insertions rejected because an ancestor was missing or failed",
		},
	)
)

// Outcomes.
const (
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// RecordTask counts a task reaching a terminal state.
func RecordTask(kind, outcome string) {
	tasksTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordBytes adds transferred payload bytes.
func RecordBytes(n int64) {
	if n > 0 {
		bytesTransferred.Add(float64(n))
	}
}

// WorkerBusy marks a worker on lane as busy (+1) or idle (-1).
func WorkerBusy(lane string, delta float64) {
	busyWorkers.WithLabelValues(lane).Add(delta)
}

// SetRegistrySize records the number of nodes in the registry.
func SetRegistrySize(n int) {
	registrySize.Set(float64(n))
}

// RecordRejectedInsert counts a structural insert failure.
func RecordRejectedInsert() {
	rejectedInserts.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
