package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// KV engine metrics
	KVBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rem_kv_batch_duration_seconds",
			Help:    "Time taken to commit a kvengine batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	KVBatchOpsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rem_kv_batch_ops_total",
			Help: "Total number of put/delete operations committed across all batches",
		},
	)

	// HNSW vector index metrics
	VectorSearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rem_vector_search_duration_seconds",
			Help:    "Time taken to search an HNSW index in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"schema_fqn", "field"},
	)

	VectorIndexSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rem_vector_index_size",
			Help: "Number of live (non-tombstoned) vectors in an HNSW index",
		},
		[]string{"schema_fqn", "field"},
	)

	EmbeddingPendingTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rem_embedding_pending_total",
			Help: "Number of entities awaiting embedding computation",
		},
		[]string{"schema_fqn", "field"},
	)

	// Query planner metrics
	QuerySourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rem_query_source_total",
			Help: "Total queries by planner source chosen (vector, indexed, full_scan)",
		},
		[]string{"source"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rem_query_duration_seconds",
			Help:    "Query execution duration in seconds by source",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	QueryCellsScanned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rem_query_cells_scanned",
			Help:    "Number of (row, field) cells scanned per query",
			Buckets: prometheus.ExponentialBuckets(100, 4, 10),
		},
	)

	// WAL metrics
	WALAppendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rem_wal_append_total",
			Help: "Total WAL frames appended by op",
		},
		[]string{"op"},
	)

	WALBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rem_wal_bytes_total",
			Help: "Total bytes appended to the WAL",
		},
	)

	// Replication metrics
	ReplicationLagSeqNo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rem_replication_lag_seq_no",
			Help: "Difference between primary's last_seq and a replica's last_applied_seq",
		},
		[]string{"tenant_id", "replica_id"},
	)

	ReplicationApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rem_replication_apply_duration_seconds",
			Help:    "Time taken to apply a replicated WAL frame in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rem_replication_errors_total",
			Help: "Total replication errors by kind (transient, divergent_history, corruption)",
		},
		[]string{"kind"},
	)

	// Entity store metrics
	EntityWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rem_entity_writes_total",
			Help: "Total entity writes by kind (insert, update, delete)",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		KVBatchDuration,
		KVBatchOpsTotal,
		VectorSearchDuration,
		VectorIndexSize,
		EmbeddingPendingTotal,
		QuerySourceTotal,
		QueryDuration,
		QueryCellsScanned,
		WALAppendTotal,
		WALBytesTotal,
		ReplicationLagSeqNo,
		ReplicationApplyDuration,
		ReplicationErrorsTotal,
		EntityWritesTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
