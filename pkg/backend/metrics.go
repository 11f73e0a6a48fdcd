package backend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "readstate_backend_requests_total",
	Help: "The total number of backend requests by route and status",
}, []string{"route", "status"})

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "readstate_backend_request_duration_seconds",
	Help:    "The duration of backend requests",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
}, []string{"method"})
