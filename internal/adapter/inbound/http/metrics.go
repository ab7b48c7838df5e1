package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Gatewarden.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// StageDuration times each pipeline stage per request.
	StageDuration *prometheus.HistogramVec

	// AdmissionDenials counts denials by denying stage and error code.
	AdmissionDenials *prometheus.CounterVec

	// RateLimitDecisions counts takes by policy and outcome.
	RateLimitDecisions *prometheus.CounterVec

	// ThreatsDetected counts scanner matches by threat type.
	ThreatsDetected *prometheus.CounterVec

	// ReputationChecks counts reputation stage outcomes.
	ReputationChecks *prometheus.CounterVec

	// UpstreamResponses counts upstream answers by name and status class.
	UpstreamResponses *prometheus.CounterVec

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions *prometheus.CounterVec

	// BulkheadInFlight tracks held permits per upstream.
	BulkheadInFlight *prometheus.GaugeVec

	// UpstreamPoolUtilization is the fraction of each upstream's
	// concurrency pool currently in use.
	UpstreamPoolUtilization *prometheus.GaugeVec

	// BulkheadRejections counts requests shed at the bulkhead.
	BulkheadRejections *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "requests_total",
				Help:      "Total number of proxied requests",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gatewarden",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		StageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gatewarden",
				Name:      "stage_duration_seconds",
				Help:      "Per-stage pipeline latency in seconds",
				Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
		AdmissionDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "admission_denials_total",
				Help:      "Requests denied by the admission chain",
			},
			[]string{"stage", "code"},
		),
		RateLimitDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limit takes by policy and outcome",
			},
			[]string{"policy", "outcome"}, // outcome=allowed/denied/error
		),
		ThreatsDetected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "threats_detected_total",
				Help:      "Scanner signature matches by threat type",
			},
			[]string{"type"},
		),
		ReputationChecks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "reputation_checks_total",
				Help:      "IP reputation stage outcomes",
			},
			[]string{"outcome"},
		),
		UpstreamResponses: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "upstream_responses_total",
				Help:      "Upstream responses by name and status class",
			},
			[]string{"upstream", "class"},
		),
		BreakerTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"upstream", "to"},
		),
		BulkheadInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gatewarden",
				Name:      "bulkhead_in_flight",
				Help:      "Requests currently holding a bulkhead permit",
			},
			[]string{"upstream"},
		),
		UpstreamPoolUtilization: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gatewarden",
				Name:      "upstream_pool_utilization",
				Help:      "In-flight requests over pool capacity per upstream",
			},
			[]string{"upstream"},
		),
		BulkheadRejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gatewarden",
				Name:      "bulkhead_rejections_total",
				Help:      "Requests shed because the bulkhead was saturated",
			},
			[]string{"upstream"},
		),
	}
}

// RegisterJournalGauges exposes the journal's queue depth and drop
// count as gauges backed by the service's own counters.
func RegisterJournalGauges(reg prometheus.Registerer, depth, drops func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gatewarden",
			Name:      "journal_queue_depth",
			Help:      "Entries waiting in the journal channel",
		},
		depth,
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gatewarden",
			Name:      "journal_drops_total",
			Help:      "Journal entries dropped due to backpressure",
		},
		drops,
	))
}

// RegisterActorGauge exposes the suspicious-actor table size.
func RegisterActorGauge(reg prometheus.Registerer, size func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "gatewarden",
			Name:      "suspicious_actors",
			Help:      "Entries in the suspicious-actor table",
		},
		size,
	))
}
