// Package metrics exposes the server's Prometheus instrumentation.
//
// Everything is registered on the default registry and served from the
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SnapshotsMerged counts accepted report merges.
	SnapshotsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workbench_snapshots_merged_total",
		Help: "Number of snapshot reports merged into records",
	})

	// ReportsRejected counts malformed reports rejected at ingress.
	ReportsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workbench_reports_rejected_total",
		Help: "Number of malformed snapshot reports rejected",
	})

	// DeliveryAttempts counts DeviceHub submit attempts, including retries.
	DeliveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workbench_delivery_attempts_total",
		Help: "Number of DeviceHub delivery attempts, retries included",
	})

	// SnapshotsDelivered counts successful DeviceHub submissions.
	SnapshotsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workbench_snapshots_delivered_total",
		Help: "Number of snapshots accepted by DeviceHub",
	})

	// SnapshotsQuarantined counts permanent DeviceHub rejections.
	SnapshotsQuarantined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workbench_snapshots_quarantined_total",
		Help: "Number of snapshots permanently rejected by DeviceHub",
	})

	// QueueDepth tracks delivery jobs waiting for the submitter.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workbench_delivery_queue_depth",
		Help: "Delivery jobs enqueued but not yet terminal",
	})
)
