// internal/pool/metrics.go
package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// queryTotal counts pool queries by result ("hit", "miss", "error")
	queryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustmatch_pool_query_total",
		Help: "Total pool queries by cache result",
	}, []string{"result"})

	queryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustmatch_pool_query_duration_seconds",
		Help:    "Pool query latency in seconds, cache misses only",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
	})

	queryCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustmatch_pool_query_candidates",
		Help:    "Number of candidates returned per pool query",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})

	outcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustmatch_pool_outcome_total",
		Help: "Search outcomes fed back into the pool",
	}, []string{"outcome"}) // "matched" or "unmatched"

	outcomeWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustmatch_pool_wait_seconds",
		Help:    "Time spent searching before the outcome was recorded",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~8.5m
	}, []string{"outcome"})

	workingSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trustmatch_pool_working_set_size",
		Help: "Entries currently held in the active-player working set",
	})
)
