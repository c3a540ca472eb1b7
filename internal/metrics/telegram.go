package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		apiCallsTotal,
		apiCallLatency,
	)
}

var (
	apiCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pollbot_api_calls_total",
			Help: "Bot API calls by method and outcome (ok, api_error, transport_error, decode_error).",
		},
		[]string{"method", "outcome"},
	)

	apiCallLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pollbot_api_call_seconds",
			Help:    "Bot API call latency, long polls included.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method"},
	)
)

// ObserveAPICall records one Bot API round trip.
func ObserveAPICall(method, outcome string, elapsed time.Duration) {
	apiCallsTotal.WithLabelValues(method, norm(outcome)).Inc()
	apiCallLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}
