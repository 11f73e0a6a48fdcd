package mentions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mentionsAdded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_mentions_added_total",
	Help: "The number of distinct mentions stored",
})

var mentionsDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_mentions_deduplicated_total",
	Help: "The number of mention deliveries collapsed onto an existing entry",
})

var mentionsPruned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "readstate_mentions_pruned_total",
	Help: "The number of mentions dropped by retention or capacity",
})
