package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "readstate_events_applied_total",
	Help: "The total number of realtime events projected into local state by outcome",
}, []string{"outcome"})

var eventsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "readstate_events_skipped_total",
	Help: "The total number of realtime events skipped by reason",
}, []string{"reason"})

var feedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "readstate_feed_subscribers",
	Help: "The number of live count feed subscribers",
})
