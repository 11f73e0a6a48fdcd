package subscriptions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var unseenEvents = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "readstate_subscription_unseen_events",
	Help: "The number of unseen realtime events across all subscription buckets",
})
