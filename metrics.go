package quire

import "github.com/prometheus/client_golang/prometheus"

// Metrics are labelled by index file name. They are not registered
// automatically; pass Collectors() to a prometheus.Registerer.
var (
	QueryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "index",
		Name:      "queries_total",
	}, []string{"index", "op"})

	QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quire",
		Subsystem: "index",
		Name:      "query_duration_seconds",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"index", "op"})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "index",
		Name:      "cache_hits_total",
	}, []string{"index"})

	CacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "index",
		Name:      "cache_misses_total",
	}, []string{"index"})

	BuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "index",
		Name:      "builds_total",
	}, []string{"index", "result"})

	BuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quire",
		Subsystem: "index",
		Name:      "build_duration_seconds",
		Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"index"})

	RebuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "index",
		Name:      "rebuilds_total",
	}, []string{"index", "reason"})

	UpdateCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "index",
		Name:      "updates_total",
	}, []string{"index", "result"})

	QueuedUpdates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quire",
		Subsystem: "index",
		Name:      "queued_updates",
	}, []string{"index"})
)

// Collectors returns every quire metric.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		QueryCount, QueryDuration, CacheHits, CacheMisses,
		BuildCount, BuildDuration, RebuildCount, UpdateCount, QueuedUpdates,
	}
}
