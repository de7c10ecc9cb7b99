package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the evidence pipeline.
// Metrics are organized by phase: queries, search, map, reduce, backend
// calls, and translation. All counters and histograms are registered via
// promauto against the provided registerer.
type Metrics struct {
	// QueriesStarted counts pipeline executions initiated.
	QueriesStarted prometheus.Counter

	// QueriesCompleted counts pipeline executions that produced an answer.
	QueriesCompleted prometheus.Counter

	// QueriesFailed counts pipeline executions that ended in a fatal error.
	QueriesFailed prometheus.Counter

	// QueryDuration observes end-to-end pipeline duration in seconds.
	QueryDuration prometheus.Histogram

	// SearchDuration observes search duration in seconds, labeled by
	// collection ("papers", "facts").
	SearchDuration *prometheus.HistogramVec

	// PapersRetrieved observes the number of papers returned per search.
	PapersRetrieved prometheus.Histogram

	// FactsRetrieved observes the number of atomic facts per paper.
	FactsRetrieved prometheus.Histogram

	// MapFindings counts Map outcomes, labeled by result ("finding", "irrelevant").
	MapFindings *prometheus.CounterVec

	// NoEvidenceAnswers counts requests that terminated in the no-evidence state.
	NoEvidenceAnswers prometheus.Counter

	// BackendRequestsTotal counts external backend requests, labeled by
	// backend and operation.
	BackendRequestsTotal *prometheus.CounterVec

	// BackendRequestsFailed counts failed backend requests, labeled by
	// backend, operation, and error type.
	BackendRequestsFailed *prometheus.CounterVec

	// BackendRequestDuration observes backend request duration in seconds.
	BackendRequestDuration *prometheus.HistogramVec

	// RetryWaits counts cold-start retry waits, labeled by backend.
	RetryWaits *prometheus.CounterVec

	// TranslationFallbacks counts translations that failed open, labeled by
	// direction ("to_english", "to_source").
	TranslationFallbacks *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized and
// registered with the default Prometheus registry. The namespace is used as
// a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates Metrics registered against reg. Tests use
// a fresh registry to avoid duplicate registration panics.
func NewMetricsWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QueriesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_started_total",
			Help:      "Total number of pipeline executions started",
		}),
		QueriesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_completed_total",
			Help:      "Total number of pipeline executions completed successfully",
		}),
		QueriesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_failed_total",
			Help:      "Total number of pipeline executions that failed",
		}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end pipeline duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		SearchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Semantic search duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection"}),
		PapersRetrieved: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "papers_retrieved",
			Help:      "Number of papers returned per search",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		}),
		FactsRetrieved: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "facts_retrieved_per_paper",
			Help:      "Number of atomic facts retrieved per paper",
			Buckets:   []float64{0, 1, 2, 3, 5, 10},
		}),
		MapFindings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "map_findings_total",
			Help:      "Map phase outcomes by result",
		}, []string{"result"}),
		NoEvidenceAnswers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_evidence_answers_total",
			Help:      "Requests that terminated in the no-evidence state",
		}),
		BackendRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "External backend requests by backend and operation",
		}, []string{"backend", "operation"}),
		BackendRequestsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_failed_total",
			Help:      "Failed external backend requests by backend, operation, and error type",
		}, []string{"backend", "operation", "error_type"}),
		BackendRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "External backend request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"backend", "operation"}),
		RetryWaits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_waits_total",
			Help:      "Cold-start retry waits by backend",
		}, []string{"backend"}),
		TranslationFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translation_fallbacks_total",
			Help:      "Translations that failed open by direction",
		}, []string{"direction"}),
	}
}
