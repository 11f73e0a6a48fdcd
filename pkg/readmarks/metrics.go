package readmarks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var marksCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_read_marks_created_total",
	Help: "The number of durable read marks created locally",
})

var marksFlushed = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_read_marks_flushed_total",
	Help: "The number of read marks confirmed by the backend",
})

var flushFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_read_mark_flush_failures_total",
	Help: "The number of failed read mark flush attempts",
})

var pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "readstate_read_marks_pending",
	Help: "The number of read marks waiting to be flushed",
})
