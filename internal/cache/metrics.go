package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// metricHits tracks cache hits by tier (memory, persistent).
	metricHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkcache_hits_total",
			Help: "Total number of chunk cache hits",
		},
		[]string{"tier"},
	)

	// metricMisses tracks full cache misses (both tiers searched).
	metricMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkcache_misses_total",
			Help: "Total number of chunk cache misses",
		},
	)

	// metricSets tracks cache writes by domain (chunk, progress).
	metricSets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkcache_sets_total",
			Help: "Total number of chunk cache writes",
		},
		[]string{"domain"},
	)

	// metricEvictions tracks memory-tier evictions by reason.
	metricEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkcache_evictions_total",
			Help: "Total number of memory-tier evictions",
		},
		[]string{"reason"},
	)

	// metricErrors tracks cache operation errors by operation.
	metricErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkcache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"},
	)

	// metricMemorySize tracks the estimated memory-tier size in bytes.
	metricMemorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkcache_memory_size_bytes",
			Help: "Estimated size of the memory tier in bytes",
		},
	)

	// metricMemoryEntries tracks the memory-tier entry count.
	metricMemoryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkcache_memory_entries",
			Help: "Number of entries in the memory tier",
		},
	)
)
