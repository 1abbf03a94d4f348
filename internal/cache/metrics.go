package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storagecore_cache_requests_total",
		Help: "Cache lookups by result (hit or miss).",
	}, []string{"result"})

	cacheWarmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storagecore_cache_warmed_total",
		Help: "Files proactively copied onto the cache tier.",
	})

	cacheCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storagecore_cache_cleaned_total",
		Help: "Expired cache entries removed.",
	})

	cacheHitRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storagecore_cache_hit_rate",
		Help: "Hit rate over live, queried entries as of the last stats call.",
	})

	memoHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storagecore_cache_memo_hits_total",
		Help: "In-process file record lookups served from the LRU.",
	})

	memoMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storagecore_cache_memo_misses_total",
		Help: "In-process file record lookups that went to the store.",
	})
)
