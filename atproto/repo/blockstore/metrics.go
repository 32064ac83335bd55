package blockstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repo_blockstore_ops_total",
	Help: "Block store operations, by backend and operation",
}, []string{"backend", "op"})

var cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repo_block_cache_hits_total",
	Help: "Block cache hits",
}, []string{"cache"})

var cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repo_block_cache_misses_total",
	Help: "Block cache misses",
}, []string{"cache"})
