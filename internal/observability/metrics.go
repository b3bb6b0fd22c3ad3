package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion, QC and aggregation engine.
type Metrics struct {
	// Scheduler metrics.
	TaskRuns     *prometheus.CounterVec   // labels: kind, outcome={ok,error,retry_exhausted}
	TaskRetries  *prometheus.CounterVec   // labels: kind
	TaskDuration *prometheus.HistogramVec // labels: kind

	// Ingestion metrics.
	ReadingsIngested     prometheus.Counter
	ReadingsUnattributed prometheus.Counter
	DeploymentsStalled   prometheus.Gauge

	// QC metrics.
	QCVerdicts      *prometheus.CounterVec // labels: kind, verdict
	QCBatchDuration prometheus.Histogram

	// Aggregation metrics.
	RefreshDuration *prometheus.HistogramVec // labels: mode={incremental,full}
	AggregateRows   prometheus.Counter

	// QC-event publishing.
	FailureEventsPublished prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.TaskRuns,
		m.TaskRetries,
		m.TaskDuration,
		m.ReadingsIngested,
		m.ReadingsUnattributed,
		m.DeploymentsStalled,
		m.QCVerdicts,
		m.QCBatchDuration,
		m.RefreshDuration,
		m.AggregateRows,
		m.FailureEventsPublished,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensornet",
			Name:      "task_runs_total",
			Help:      "Scheduled task executions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		TaskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensornet",
			Name:      "task_retries_total",
			Help:      "Transient-failure retries by task kind.",
		}, []string{"kind"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sensornet",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration by kind.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		ReadingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensornet",
			Name:      "readings_ingested_total",
			Help:      "Raw readings inserted from the IoT platform.",
		}),
		ReadingsUnattributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensornet",
			Name:      "readings_unattributed_total",
			Help:      "Ingested readings that resolved to no deployment.",
		}),
		DeploymentsStalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sensornet",
			Name:      "deployments_stalled",
			Help:      "Deployments whose watermark is frozen pending operator action.",
		}),
		QCVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sensornet",
			Name:      "qc_verdicts_total",
			Help:      "QC verdicts attached, by check kind and verdict.",
		}, []string{"kind", "verdict"}),
		QCBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sensornet",
			Name:      "qc_batch_duration_seconds",
			Help:      "Duration of one QC batch run.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sensornet",
			Name:      "refresh_duration_seconds",
			Help:      "Aggregate refresh duration by mode.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}, []string{"mode"}),
		AggregateRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensornet",
			Name:      "aggregate_rows_written_total",
			Help:      "Aggregate rows written by refresh runs.",
		}),
		FailureEventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensornet",
			Name:      "failure_events_published_total",
			Help:      "QC failure events published to the sink topic.",
		}),
	}
}
