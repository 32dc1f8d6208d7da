// SPDX-License-Identifier: MIT

package dispatcharr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkarr_dispatcharr_requests_total",
		Help: "Outcome of aggregator API requests",
	}, []string{
		"operation", // logical endpoint name, not the raw path
		"outcome",   // success|unauthorized|forbidden|not_found|server_error|bad_response|timeout|unavailable
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkarr_dispatcharr_request_duration_seconds",
		Help:    "Aggregator API request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	tokenRefreshTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkarr_dispatcharr_token_refresh_total",
		Help: "Completed bearer token refreshes",
	})
)

func observeRequest(operation, outcome string) {
	requestsTotal.WithLabelValues(operation, outcome).Inc()
}

func observeDuration(operation string, d time.Duration) {
	requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func observeTokenRefresh() {
	tokenRefreshTotal.Inc()
}
