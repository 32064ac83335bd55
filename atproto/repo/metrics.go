package repo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var commitsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repo_commits_created_total",
	Help: "Number of signed commits created",
})

var proofBlockCount = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "repo_inversion_proof_blocks",
	Help:    "Number of MST blocks in produced inversion proofs",
	Buckets: prometheus.ExponentialBuckets(1, 2, 10),
})

var proofVerifyFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repo_inversion_verify_failures_total",
	Help: "Number of inversion proofs which failed verification",
})

var commitEventsVerified = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "repo_commit_events_verified_total",
	Help: "Number of commit events checked, by result",
}, []string{"result"})
