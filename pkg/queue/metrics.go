package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "readstate_queue_heartbeats_total",
	Help: "The total number of queue heartbeats by result",
}, []string{"result"})

var eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "readstate_queue_events_received_total",
	Help: "The total number of valid realtime events decoded",
}, []string{"type"})

var eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_queue_events_dropped_total",
	Help: "The total number of malformed realtime events dropped",
})

var eventsAdopted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_queue_events_adopted_total",
	Help: "The total number of events adopted from the leader's relay",
})

var statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "readstate_queue_status_transitions_total",
	Help: "The total number of queue status transitions by new status",
}, []string{"status"})

var leaders = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "readstate_queue_leaders",
	Help: "The number of tab sessions in this process holding the queue lease",
})
