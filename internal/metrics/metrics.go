// Package metrics holds the prometheus collectors exported at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PortsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcphost_ports_in_use",
		Help: "Ports currently marked used by the allocator",
	})

	ActiveProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcphost_active_processes",
		Help: "Backing instance processes currently tracked",
	})

	InstanceOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_instance_operations_total",
			Help: "Instance lifecycle operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	InstanceOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcphost_instance_operation_duration_seconds",
			Help:    "Duration of instance lifecycle operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	Rollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_rollbacks_total",
			Help: "Compensating actions run after a failed create, by failed step",
		},
		[]string{"step"},
	)

	ProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_process_exits_total",
			Help: "Backing process exits by reason",
		},
		[]string{"reason"},
	)

	CredentialResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcphost_credential_resolutions_total",
			Help: "Vendor credential resolutions by final state",
		},
		[]string{"state"},
	)
)

// ObserveOperation records the outcome and duration of a lifecycle operation.
func ObserveOperation(operation string, started time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	InstanceOperations.WithLabelValues(operation, result).Inc()
	InstanceOperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
