package quiz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_quiz_transitions_total",
			Help: "Quiz controller view transitions by destination view",
		},
		[]string{"view"},
	)

	answersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_quiz_answers_total",
			Help: "Answers accepted by the backend",
		},
		[]string{"result"},
	)

	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_quiz_rejections_total",
			Help: "Actions rejected client-side before any network call",
		},
		[]string{"reason"},
	)

	staleResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pai_quiz_stale_responses_total",
			Help: "Responses and timer firings discarded because the session moved on",
		},
	)

	fetchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_quiz_fetch_errors_total",
			Help: "Failed backend calls by operation",
		},
		[]string{"op"},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pai_quiz_fetch_duration_seconds",
			Help:    "Backend call latency by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)
