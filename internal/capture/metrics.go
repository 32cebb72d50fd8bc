package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_capture_starts_total",
		Help: "Recording sessions started",
	})

	metricStartRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_capture_start_rejected_total",
		Help: "Start calls rejected because a capture was already in flight",
	})

	metricStartFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_capture_start_failures_total",
		Help: "Recorder acquisition failures",
	})

	metricStopFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_capture_stop_failures_total",
		Help: "Recorder stop/read failures",
	})

	metricSilenceStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_capture_silence_stops_total",
		Help: "Auto-stops triggered by the silence detector",
	})

	metricCapStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_capture_cap_stops_total",
		Help: "Auto-stops triggered by the hard-cap timer",
	})

	metricUtteranceMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicebook_capture_utterance_ms",
		Help:    "Captured utterance duration",
		Buckets: prometheus.ExponentialBuckets(250, 1.8, 10),
	})
)
