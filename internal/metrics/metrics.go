// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TableExpansionsTotal counts flow table generations created by growth
	TableExpansionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowpath_table_expansions_total",
			Help: "Total number of flow table expansions",
		},
	)

	// TableFlushesTotal counts flow table flushes
	TableFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowpath_table_flushes_total",
			Help: "Total number of flow table flushes",
		},
	)

	// ReclaimedTotal counts objects retired after a grace period, by kind
	ReclaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpath_reclaimed_total",
			Help: "Total number of objects retired after a grace period",
		},
		[]string{"kind"},
	)

	// LoopSuppressedTotal counts flows whose actions were cleared by the loop guard
	LoopSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowpath_loop_suppressed_total",
			Help: "Total number of flows suppressed for looping",
		},
	)

	// UpcallQueueLength tracks queued upcalls by kind
	UpcallQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowpath_upcall_queue_length",
			Help: "Current number of queued upcalls",
		},
		[]string{"kind"},
	)

	// UpcallsTotal counts upcalls by kind and outcome
	UpcallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpath_upcalls_total",
			Help: "Total number of upcalls issued",
		},
		[]string{"kind", "result"},
	)

	// PipelinePacketsTotal counts frames passing each pipeline stage
	PipelinePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpath_pipeline_packets_total",
			Help: "Total number of frames handled by the pipeline",
		},
		[]string{"pipeline", "stage"},
	)

	// PipelineLatencySeconds measures per-frame datapath latency
	PipelineLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowpath_pipeline_latency_seconds",
			Help:    "Latency of datapath processing in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0000001, 2, 20), // 100ns to ~50ms
		},
		[]string{"pipeline"},
	)

	// PortTxTotal counts frames sent per port
	PortTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpath_port_tx_packets_total",
			Help: "Total number of frames sent to a port",
		},
		[]string{"port"},
	)

	// PortTxErrorsTotal counts failed sends per port
	PortTxErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpath_port_tx_errors_total",
			Help: "Total number of failed sends to a port",
		},
		[]string{"port"},
	)
)

// Upcall results
const (
	UpcallQueued = "queued"
	UpcallLost   = "lost"
)
