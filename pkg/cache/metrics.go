package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks reads that found a fresh entry
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apisched_cache_hits_total",
			Help: "Total number of cache reads that found a fresh entry",
		},
	)

	// CacheStaleReads tracks reads that found an expired entry
	CacheStaleReads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apisched_cache_stale_reads_total",
			Help: "Total number of cache reads that found an expired entry",
		},
	)

	// CacheMisses tracks reads of absent keys
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apisched_cache_misses_total",
			Help: "Total number of cache reads for absent keys",
		},
	)

	// CacheItems tracks the number of stored entries
	CacheItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apisched_cache_items",
			Help: "Current number of entries in the cache store",
		},
	)

	// CacheExpirations tracks explicit invalidations
	CacheExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apisched_cache_expirations_total",
			Help: "Total number of explicit cache invalidations",
		},
	)

	// NotModifiedResponses tracks 304 revalidations of stale entries
	NotModifiedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apisched_304_responses_total",
			Help: "Total number of upstream 304 Not Modified responses",
		},
	)

	// ConditionalRequestsSent tracks requests sent with conditional headers
	ConditionalRequestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apisched_conditional_requests_total",
			Help: "Total number of upstream requests sent with If-None-Match or If-Modified-Since",
		},
	)
)
