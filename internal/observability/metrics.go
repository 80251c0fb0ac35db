package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "service_dispatch", Name: "requests_created_total", Help: "Service requests created"},
		[]string{"priority"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "service_dispatch", Name: "transitions_total", Help: "Successful lifecycle transitions"},
		[]string{"from", "to"},
	)
	AcceptConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: "service_dispatch", Name: "accept_conflicts_total", Help: "Accept attempts that lost the claim race"},
	)
	WorkersAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{Namespace: "service_dispatch", Name: "workers_available", Help: "Workers currently available for dispatch"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "service_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "service_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
