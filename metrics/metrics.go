package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricNamespace = "percona_resharding_applier"

// Counters.
var (
	//nolint:gochecknoglobals
	recordsReadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "records_read_total",
		Help:      "Total number of change records read from the oplog buffer.",
		Namespace: metricNamespace,
	})

	//nolint:gochecknoglobals
	recordsAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "records_applied_total",
		Help:      "Total number of change records applied, by operation type.",
		Namespace: metricNamespace,
	}, []string{"op"})

	//nolint:gochecknoglobals
	batchesAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "batches_applied_total",
		Help:      "Total number of fully applied batches, by phase.",
		Namespace: metricNamespace,
	}, []string{"phase"})

	//nolint:gochecknoglobals
	batchFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:      "batch_failures_total",
		Help:      "Total number of batches that failed to apply, by phase.",
		Namespace: metricNamespace,
	}, []string{"phase"})

	//nolint:gochecknoglobals
	ledgerStaleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:      "ledger_stale_total",
		Help:      "Total number of retryable write ledger updates skipped as stale.",
		Namespace: metricNamespace,
	})
)

// Batch pipeline metrics.
var (
	//nolint:gochecknoglobals
	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "batch_size",
		Help:      "Number of records per applied batch.",
		Namespace: metricNamespace,
		Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	//nolint:gochecknoglobals
	batchDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:      "batch_duration_seconds",
		Help:      "Duration of batch application in seconds.",
		Namespace: metricNamespace,
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	//nolint:gochecknoglobals
	writerQueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "writer_queue_size",
		Help:      "Number of tasks in a writer's inbound queue.",
		Namespace: metricNamespace,
	}, []string{"writer"})
)

// Gauges.
var (
	//nolint:gochecknoglobals
	committedClusterTimeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:      "committed_cluster_time_seconds",
		Help:      "Cluster time (seconds part) of the last committed progress marker.",
		Namespace: metricNamespace,
	})
)

// Init initializes and registers the metrics.
func Init(reg prometheus.Registerer) {
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
		Namespace: metricNamespace,
	}))

	reg.MustRegister(
		recordsReadTotal,
		recordsAppliedTotal,
		batchesAppliedTotal,
		batchFailuresTotal,
		ledgerStaleTotal,

		batchSize,
		batchDurationSeconds,
		writerQueueSize,

		committedClusterTimeSeconds,
	)
}

// IncRecordsRead increments the records read counter.
func IncRecordsRead() {
	recordsReadTotal.Inc()
}

// IncRecordsApplied increments the applied records counter for op.
func IncRecordsApplied(op string) {
	recordsAppliedTotal.WithLabelValues(op).Inc()
}

// ObserveBatchApplied records a successfully applied batch.
func ObserveBatchApplied(phase string, size int, dur time.Duration) {
	batchesAppliedTotal.WithLabelValues(phase).Inc()
	batchSize.Observe(float64(size))
	batchDurationSeconds.Observe(dur.Seconds())
}

// IncBatchFailures increments the failed batches counter.
func IncBatchFailures(phase string) {
	batchFailuresTotal.WithLabelValues(phase).Inc()
}

// IncLedgerStale increments the stale ledger update counter.
func IncLedgerStale() {
	ledgerStaleTotal.Inc()
}

// SetWriterQueueSize sets the current size of a writer's inbound queue.
func SetWriterQueueSize(writer string, v int) {
	writerQueueSize.WithLabelValues(writer).Set(float64(v))
}

// SetCommittedClusterTime sets the committed progress gauge.
func SetCommittedClusterTime(t uint32) {
	committedClusterTimeSeconds.Set(float64(t))
}
