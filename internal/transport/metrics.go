package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebook_transport_requests_total",
		Help: "Backend REST calls by operation",
	}, []string{"op"})

	metricRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebook_transport_request_errors_total",
		Help: "Failed backend REST calls by operation",
	}, []string{"op"})

	metricRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicebook_transport_request_latency_ms",
		Help:    "Backend REST latency by operation",
		Buckets: prometheus.ExponentialBuckets(50, 1.8, 12),
	}, []string{"op"})

	metricPushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebook_transport_push_events_total",
		Help: "Push-channel events received by type",
	}, []string{"event"})

	metricPushConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_transport_push_connect_failures_total",
		Help: "Push-channel dial failures (non-fatal)",
	})

	metricPushInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_transport_push_invalid_total",
		Help: "Push-channel events dropped by validation",
	})
)
