package conversation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicebook_conversation_transitions_total",
		Help: "Conversation request status transitions",
	}, []string{"from", "to"})

	metricRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_conversation_requests_total",
		Help: "Conversation requests created",
	})

	metricBargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_conversation_barge_ins_total",
		Help: "Capture starts that interrupted assistant speech",
	})

	metricAmbiguousSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_conversation_ambiguous_success_total",
		Help: "Error-shaped confirm/cancel responses reclassified as success",
	})

	metricTransientErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicebook_conversation_transient_errors_total",
		Help: "Transient transport failures surfaced for user retry",
	})
)
