// Package metrics provides Prometheus metrics for labwatch services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	AnalysesTotal         *prometheus.CounterVec
	AnalysisDuration      prometheus.Histogram
	PatientLookupRetries  *prometheus.CounterVec
	NotificationsSent     *prometheus.CounterVec
	AnalysesInFlight      prometheus.Gauge
	DirectoryRequests     *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg.
// A nil reg uses the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glucose_analyses_total",
			Help: "Completed glucose analyses by outcome",
		}, []string{"outcome"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "glucose_analysis_duration_seconds",
			Help:    "Glucose analysis duration including retry waits",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		PatientLookupRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_lookup_retries_total",
			Help: "Patient lookups retried because of a transient absence",
		}, []string{"reason"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notifications dispatched by channel",
		}, []string{"channel"}),
		AnalysesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "glucose_analyses_in_flight",
			Help: "Analyses currently running",
		}),
		DirectoryRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "directory_requests_total",
			Help: "Directory API requests by route and status",
		}, []string{"route", "status"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.PatientLookupRetries,
		m.NotificationsSent,
		m.AnalysesInFlight,
		m.DirectoryRequests,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
