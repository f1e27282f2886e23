package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SearchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "proximity", Name: "searches_submitted_total", Help: "Total number of accepted search submissions"})
	SearchTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "proximity", Name: "search_transitions_total", Help: "Search state transitions by target status"},
		[]string{"status"},
	)
	SearchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "proximity", Name: "search_latency_seconds", Help: "Time from submission to Ready"})
	RankingFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "proximity", Name: "ranking_failures_total", Help: "Ranking tasks that returned an error"})
	DiscardedResults = promauto.NewCounter(prometheus.CounterOpts{Namespace: "proximity", Name: "discarded_results_total", Help: "Ranking results dropped because the search was no longer pending"})

	IndexEntries   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "proximity", Name: "index_entries", Help: "Number of participants in the geospatial index"})
	IndexAnomalies = promauto.NewCounter(prometheus.CounterOpts{Namespace: "proximity", Name: "index_anomalies_total", Help: "Corrupt or dangling entries skipped during radius queries"})

	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "proximity", Name: "worker_queue_depth", Help: "Ranking tasks waiting for a worker"})

	SideEffectErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "proximity", Name: "side_effect_errors_total", Help: "Best-effort persistence/publish/push failures"},
		[]string{"kind"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "proximity", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "proximity",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
