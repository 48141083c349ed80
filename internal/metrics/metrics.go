// Package metrics provides Prometheus metrics for the edge gateway.
// Counters/gauges/histograms cover device connectivity, event
// throughput, and Cloud reachability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Devices ────────────────────────────────────────────────────────────────

// DevicesConnected tracks currently TCP-connected devices.
var DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "edge",
	Name:      "devices_connected",
	Help:      "Number of devices with a live TCP connection.",
})

// HeartbeatsReceived tracks heartbeat frames received, per device.
var HeartbeatsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "heartbeats_received_total",
	Help:      "Total heartbeat frames received.",
}, []string{"device_id"})

// DeviceStatusTransitions tracks status transitions by target status.
var DeviceStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "device_status_transitions_total",
	Help:      "Total device status transitions by resulting status.",
}, []string{"status"})

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsCaptured tracks events persisted by the event processor.
var EventsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "events_captured_total",
	Help:      "Total events captured, by offline mode.",
}, []string{"offline"})

// EventsSynced tracks events that reached the synced terminal state.
var EventsSynced = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "events_synced_total",
	Help:      "Total events successfully synced to Cloud.",
})

// EventsFailed tracks events that moved to the failed state.
var EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "events_failed_total",
	Help:      "Total events that failed to sync, by reason.",
}, []string{"reason"})

// EventsPending tracks the current size of the pending-retry pool.
var EventsPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "edge",
	Name:      "events_pending",
	Help:      "Number of events currently pending sync.",
})

// ─── Cloud client ───────────────────────────────────────────────────────────

// CloudRequestLatency tracks Cloud REST request duration by path.
var CloudRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "edge",
	Name:      "cloud_request_latency_seconds",
	Help:      "Cloud REST request duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"path"})

// CloudOnlineTransitions tracks online/offline transitions.
var CloudOnlineTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "cloud_online_transitions_total",
	Help:      "Total Cloud online/offline transitions.",
}, []string{"state"})

// CloudQueueDepth tracks the current offline request queue depth.
var CloudQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "edge",
	Name:      "cloud_queue_depth",
	Help:      "Number of requests currently queued while offline.",
})

// CloudIdentityRecoveries tracks identity-recovery attempts by reason.
var CloudIdentityRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "cloud_identity_recoveries_total",
	Help:      "Total identity recovery attempts, by trigger reason.",
}, []string{"reason"})

// ─── Offline batches ────────────────────────────────────────────────────────

// OfflineBatchesOpen tracks the number of currently open offline batches.
var OfflineBatchesOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "edge",
	Name:      "offline_batches_open",
	Help:      "Number of currently open offline batches.",
})

// OfflineBatchesOpened tracks total batches opened.
var OfflineBatchesOpened = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "edge",
	Name:      "offline_batches_opened_total",
	Help:      "Total offline batches opened.",
})
