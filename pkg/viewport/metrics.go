package viewport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var trackedItems = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "readstate_viewport_tracked_items",
	Help: "The number of items currently observed for read commits",
})

var dwellStarted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_viewport_dwell_started_total",
	Help: "The total number of dwell timers started",
})

var dwellCanceled = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_viewport_dwell_canceled_total",
	Help: "The total number of dwell timers canceled before elapsing",
})

var commits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_viewport_commits_total",
	Help: "The total number of read commits triggered by dwell",
})

var commitFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_viewport_commit_failures_total",
	Help: "The total number of read commits that failed",
})
