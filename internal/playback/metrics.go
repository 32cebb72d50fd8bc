package playback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPlays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_playback_plays_total",
		Help: "Speech playbacks started",
	})

	metricPlayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_playback_failures_total",
		Help: "Speech playbacks that failed to start or ended with an error",
	})

	metricInvalidURLs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_playback_invalid_urls_total",
		Help: "Speech URLs dropped before playback",
	})

	metricAutoResumes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_playback_auto_resumes_total",
		Help: "Capture auto-resumes triggered after assistant speech",
	})
)
