package carutil

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var carBlocksRead = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repo_car_blocks_read_total",
	Help: "Number of blocks read from CAR files",
})

var carBlocksWritten = promauto.NewCounter(prometheus.CounterOpts{
	Name: "repo_car_blocks_written_total",
	Help: "Number of blocks written to CAR files",
})
