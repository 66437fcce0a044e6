package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const namespace = "product_pulse"

// PipelineMetrics holds all Prometheus metrics of the ingestion and analytics jobs.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	JobRuns            *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	MetricsComputed    *prometheus.CounterVec
	ComputationErrors  *prometheus.CounterVec
	Detections         *prometheus.CounterVec
	EventsNormalized   *prometheus.CounterVec
	EventsMalformed    *prometheus.CounterVec
	EventsSinked       prometheus.Counter
	EventsDeadLettered prometheus.Counter
}

// NewPipelineMetrics initializes the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total number of job runs by job and status.",
		}, []string{"job", "status"}), // status: success, error, skipped
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		MetricsComputed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "metrics_computed_total",
			Help:      "Total number of metric rows computed by metric type.",
		}, []string{"type"}),
		ComputationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "computation_errors_total",
			Help:      "Total number of failed derivations or detection rules.",
		}, []string{"unit"}),
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "detections_total",
			Help:      "Total number of detections by type and severity.",
		}, []string{"type", "severity"}),
		EventsNormalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_normalized_total",
			Help:      "Total number of provider records normalized into events.",
		}, []string{"source"}),
		EventsMalformed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_malformed_total",
			Help:      "Total number of provider records skipped as malformed.",
		}, []string{"source"}),
		EventsSinked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "events_sinked_total",
			Help:      "Total number of buffered events written to the event store.",
		}),
		EventsDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "events_dead_lettered_total",
			Help:      "Total number of buffered events moved to the dead-letter stream.",
		}),
	}
}

// ObserveJob records the outcome and duration of one job run.
func (m *PipelineMetrics) ObserveJob(job, status string, started time.Time) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, status).Inc()
	m.JobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
}

func (m *PipelineMetrics) ObserveMetrics(metrics []domain.Metric) {
	if m == nil {
		return
	}
	for _, metric := range metrics {
		m.MetricsComputed.WithLabelValues(string(metric.Type)).Inc()
	}
}

func (m *PipelineMetrics) ObserveComputationErrors(errs []error) {
	if m == nil {
		return
	}
	for _, err := range errs {
		unit := "unknown"
		var ce *domain.ComputationError
		if errors.As(err, &ce) {
			unit = ce.Unit
		}
		m.ComputationErrors.WithLabelValues(unit).Inc()
	}
}

func (m *PipelineMetrics) ObserveDetections(detections []domain.Detection) {
	if m == nil {
		return
	}
	for _, d := range detections {
		m.Detections.WithLabelValues(string(d.Type), string(d.Severity)).Inc()
	}
}

func (m *PipelineMetrics) ObserveNormalization(source domain.Source, normalized, malformed int) {
	if m == nil {
		return
	}
	m.EventsNormalized.WithLabelValues(string(source)).Add(float64(normalized))
	m.EventsMalformed.WithLabelValues(string(source)).Add(float64(malformed))
}

func (m *PipelineMetrics) ObserveSinked(n int) {
	if m == nil {
		return
	}
	m.EventsSinked.Add(float64(n))
}

func (m *PipelineMetrics) ObserveDeadLettered(n int) {
	if m == nil {
		return
	}
	m.EventsDeadLettered.Add(float64(n))
}
