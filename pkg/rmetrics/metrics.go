// Package rmetrics exposes rye's operational counters as Prometheus
// instruments. They are registered and updated independently of the
// shared-memory monitor's counters (internal/monitor).
package rmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Heartbeat / cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rye_ha_nodes_total",
			Help: "Nodes known to the heartbeat controller by state",
		},
		[]string{"state"},
	)

	NodeScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rye_ha_node_score",
			Help: "Current election score for a node (lower wins)",
		},
		[]string{"node_id"},
	)

	HeartbeatGap = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rye_ha_heartbeat_gap",
			Help: "Consecutive missed heartbeat rounds for a node",
		},
		[]string{"node_id"},
	)

	ChangemodeGap = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rye_ha_changemode_gap",
			Help: "Unacknowledged CHANGE_HA_MODE attempts against the local server",
		},
	)

	ProcessesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rye_ha_processes_total",
			Help: "Child processes tracked by the resource manager by state",
		},
		[]string{"type", "state"},
	)

	MasterRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rye_master_requests_total",
			Help: "Requests dispatched on the master's Unix-domain socket by request code",
		},
		[]string{"code"},
	)

	// Replication pipeline metrics
	CopierReceivedPages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rye_repl_copier_pages_received_total",
			Help: "Log pages received from the master over the WAL RPC",
		},
	)

	CopierReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rye_repl_copier_reconnects_total",
			Help: "Times the log copier reconnected to the master",
		},
	)

	RecvQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rye_repl_recv_queue_depth",
			Help: "Pending entries in the writer's recv_log_queue",
		},
	)

	RecvQueueFull = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rye_repl_recv_queue_full_total",
			Help: "Times the copier blocked because recv_log_queue was full",
		},
	)

	WriterFlushedPageID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rye_repl_writer_last_flushed_pageid",
			Help: "Highest active-log pageid durably flushed by the writer",
		},
	)

	WriterFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rye_repl_writer_flush_duration_seconds",
			Help:    "Time to dual-write and fsync a received page batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	ArchivePromotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rye_repl_archive_promotions_total",
			Help: "Active-to-archive promotions completed",
		},
	)

	AnalyzerCurrentLSAPage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rye_repl_analyzer_current_lsa_pageid",
			Help: "Pageid component of the analyzer's current_lsa",
		},
	)

	AnalyzerRequiredLSAPage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rye_repl_analyzer_required_lsa_pageid",
			Help: "Pageid component of the analyzer's required_lsa horizon",
		},
	)

	AnalyzerQueueFull = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rye_repl_analyzer_queue_full_total",
			Help: "Times an applier queue was full when the analyzer tried to dispatch",
		},
	)

	ReplicationDelaySeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rye_repl_delay_seconds",
			Help: "source_applied_time lag behind the master's commit time",
		},
	)

	ApplierCommittedLSAPage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rye_repl_applier_committed_lsa_pageid",
			Help: "Pageid component of committed_lsa per applier lane",
		},
		[]string{"lane"},
	)

	ApplierQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rye_repl_applier_queue_depth",
			Help: "Pending replication items per applier lane",
		},
		[]string{"lane"},
	)

	ApplierRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rye_repl_applier_retries_total",
			Help: "Retryable apply failures per applier lane",
		},
		[]string{"lane"},
	)

	PageBufferFixes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rye_repl_page_buffer_fixes_total",
			Help: "Log page buffer fix operations",
		},
	)

	PageBufferMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rye_repl_page_buffer_misses_total",
			Help: "Log page buffer misses requiring a disk read",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal, NodeScore, HeartbeatGap, ChangemodeGap, ProcessesTotal, MasterRequestsTotal,
		CopierReceivedPages, CopierReconnects, RecvQueueDepth, RecvQueueFull,
		WriterFlushedPageID, WriterFlushDuration, ArchivePromotions,
		AnalyzerCurrentLSAPage, AnalyzerRequiredLSAPage, AnalyzerQueueFull,
		ReplicationDelaySeconds, ApplierCommittedLSAPage, ApplierQueueDepth,
		ApplierRetries, PageBufferFixes, PageBufferMisses,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
