package mst

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var nodeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mst_node_cache_hits_total",
	Help: "MST node cache hits",
})

var nodeCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mst_node_cache_misses_total",
	Help: "MST node cache misses",
})
