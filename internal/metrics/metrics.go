// Package metrics provides Prometheus metrics for the issue search service
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Primary store metrics
	DbOperationsTotal   *prometheus.CounterVec
	DbOperationDuration *prometheus.HistogramVec

	// Index metrics
	IndexBatchesTotal   *prometheus.CounterVec
	IndexDocumentsTotal *prometheus.CounterVec
	IndexBatchDuration  *prometheus.HistogramVec
	IndexQueueDepth     prometheus.Gauge

	// Search metrics
	SearchQueriesTotal  *prometheus.CounterVec
	SearchResultsTotal  prometheus.Counter
	SearchDuration      prometheus.Histogram
	FacetSearchesTotal  prometheus.Counter
	TagAggregationTotal prometheus.Counter

	ServerStartTime time.Time
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuesearch_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "issuesearch_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "issuesearch_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.DbOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuesearch_db_operations_total",
			Help: "Total number of primary store operations",
		},
		[]string{"operation", "status"},
	)

	m.DbOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "issuesearch_db_operation_duration_seconds",
			Help:    "Duration of primary store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.IndexBatchesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuesearch_index_batches_total",
			Help: "Total number of index batches applied",
		},
		[]string{"doc_type", "status"},
	)

	m.IndexDocumentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuesearch_index_documents_total",
			Help: "Total number of documents written to or removed from the index",
		},
		[]string{"doc_type", "op"},
	)

	m.IndexBatchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "issuesearch_index_batch_duration_seconds",
			Help:    "Duration of index batches in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"doc_type"},
	)

	m.IndexQueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "issuesearch_index_queue_depth",
			Help: "Documents waiting in the index queue at the last recovery pass",
		},
	)

	m.SearchQueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuesearch_search_queries_total",
			Help: "Total number of issue searches",
		},
		[]string{"status"},
	)

	m.SearchResultsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "issuesearch_search_results_total",
			Help: "Total number of issues returned by searches",
		},
	)

	m.SearchDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "issuesearch_search_duration_seconds",
			Help:    "Duration of issue searches including facets",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.FacetSearchesTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "issuesearch_facet_searches_total",
			Help: "Total number of secondary searches run for sticky facets",
		},
	)

	m.TagAggregationTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "issuesearch_tag_aggregations_total",
			Help: "Total number of tag aggregations",
		},
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "issuesearch_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
		func() float64 { return time.Since(m.ServerStartTime).Seconds() },
	)

	return m
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDbOperation records a primary store operation
func (m *Metrics) RecordDbOperation(operation string, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DbOperationsTotal.WithLabelValues(operation, status).Inc()
	m.DbOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordIndexBatch records one index batch
func (m *Metrics) RecordIndexBatch(docType string, upserts, deletes int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.IndexBatchesTotal.WithLabelValues(docType, status(err)).Inc()
	m.IndexBatchDuration.WithLabelValues(docType).Observe(duration.Seconds())
	if err == nil {
		m.IndexDocumentsTotal.WithLabelValues(docType, "upsert").Add(float64(upserts))
		m.IndexDocumentsTotal.WithLabelValues(docType, "delete").Add(float64(deletes))
	}
}

// SetQueueDepth records the number of queued documents
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.IndexQueueDepth.Set(float64(n))
}

// RecordSearch records an issue search
func (m *Metrics) RecordSearch(results int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(status(err)).Inc()
	m.SearchDuration.Observe(duration.Seconds())
	m.SearchResultsTotal.Add(float64(results))
}

// RecordFacetSearch counts a secondary facet search
func (m *Metrics) RecordFacetSearch() {
	if m == nil {
		return
	}
	m.FacetSearchesTotal.Inc()
}

// RecordTagAggregation counts a tag aggregation
func (m *Metrics) RecordTagAggregation() {
	if m == nil {
		return
	}
	m.TagAggregationTotal.Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
