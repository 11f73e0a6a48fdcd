package overlay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var marksGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "readstate_overlay_marks",
	Help: "The number of ephemeral unread marks currently held",
})

var marksExpired = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_overlay_marks_expired_total",
	Help: "The number of ephemeral unread marks swept after their TTL",
})
