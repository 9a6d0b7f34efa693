package gramschmidt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gramschmidt_calls_total",
		Help: "Total number of orthonormalization calls by outcome",
	}, []string{"reason"})

	vectorsNormalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gramschmidt_vectors_normalized_total",
		Help: "Total number of vectors scaled to unit norm",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gramschmidt_call_duration_seconds",
		Help:    "Time spent inside the orthonormalization kernel",
		Buckets: []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
	})
)
