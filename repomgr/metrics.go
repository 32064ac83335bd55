package repomgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var repoOpsImported = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repomgr_repo_ops_imported",
	Help: "Number of repo ops imported",
})

var repoWriteOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repomgr_write_ops_total",
	Help: "Record writes committed, by action",
}, []string{"action"})

var commitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "repomgr_commit_duration_seconds",
	Help:    "Time to apply a batch of writes and commit, including the account lock wait",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
})

var externalCommits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repomgr_external_commits_total",
	Help: "Commit events from other hosts, by outcome",
}, []string{"result"})
