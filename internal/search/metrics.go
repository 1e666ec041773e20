package search

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	searchQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "off_context_search_queries_total",
			Help: "Total number of relevance queries served",
		},
		[]string{"scorer"},
	)

	searchDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "off_context_search_duration_seconds",
			Help:    "Duration of relevance queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	indexRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "off_context_index_rebuilds_total",
			Help: "Index maintenance runs grouped by kind",
		},
		[]string{"kind"},
	)

	searchFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "off_context_search_embedding_fallbacks_total",
			Help: "Queries that fell back to lexical scoring because the embedder failed",
		},
	)
)

// Collectors returns the search metrics for registration by the admin server.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{searchQueries, searchDurationSeconds, indexRebuilds, searchFallbacks}
}
