package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var saveConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "readstate_document_save_conflicts_total",
	Help: "The number of document saves retried after a concurrent write",
}, []string{"document"})
