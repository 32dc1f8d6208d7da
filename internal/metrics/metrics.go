// SPDX-License-Identifier: MIT

// Package metrics holds the Prometheus collectors for the checker core.
// Collectors register on the default registry via promauto; the ops
// server exposes them on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Probe metrics
	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkarr_probes_total",
		Help: "Stream probes by outcome",
	}, []string{"outcome"}) // outcome=ok|timeout|error|skipped_viewers|skipped_limit

	probeDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkarr_probe_duration_seconds",
		Help:    "Wall time of one analyzer invocation",
		Buckets: []float64{1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90},
	})

	probeRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkarr_probe_retries_total",
		Help: "Probe retries after a failed attempt",
	})

	// Dead-stream lifecycle
	deadStreamsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkarr_dead_streams_detected_total",
		Help: "Alive-to-dead transitions observed by the pipeline",
	})
	streamsRevived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkarr_streams_revived_total",
		Help: "Dead-to-alive transitions observed by the pipeline",
	})
	deadStreamsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkarr_dead_streams_tracked",
		Help: "Entries currently held by the dead-stream tracker",
	})

	// Channel checks
	channelChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkarr_channel_checks_total",
		Help: "Channel-check pipeline runs by result",
	}, []string{"result"}) // result=completed|skipped|failed
	channelCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkarr_channel_check_duration_seconds",
		Help:    "Wall time of one channel-check pipeline run",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
	})
	channelsReordered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkarr_channels_reordered_total",
		Help: "Channel stream lists rewritten on the aggregator",
	})

	// Queue
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "checkarr_queue_depth",
		Help: "Channels currently waiting in the check queue",
	})
	queueDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkarr_queue_drops_total",
		Help: "Enqueue attempts rejected because the queue was full",
	})

	// Limiter
	limiterAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkarr_limiter_acquires_total",
		Help: "Provider slot acquisitions by verdict",
	}, []string{"verdict"}) // verdict=acquired|timeout|active_viewers
	limiterWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checkarr_limiter_wait_seconds",
		Help:    "Time spent waiting for a provider slot",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	// Scheduler
	playlistCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkarr_playlist_cycles_total",
		Help: "Playlist refresh cycles by result",
	}, []string{"result"}) // result=success|failure
	globalActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkarr_global_actions_total",
		Help: "Global check actions by result",
	}, []string{"result"})
	streamsAssignedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkarr_streams_assigned_total",
		Help: "Streams added to channels by the regex matcher",
	})
	streamsUnassignedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkarr_streams_unassigned_total",
		Help: "Streams removed from channels because they no longer match",
	})

	// Ops HTTP surface
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkarr_http_requests_total",
		Help: "Ops API requests by method, route and status",
	}, []string{"method", "route", "status"})
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkarr_http_request_duration_seconds",
		Help:    "Ops API request latency by route",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"route"})

	// Data index
	udiRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkarr_udi_refresh_total",
		Help: "Data index refreshes by entity and result",
	}, []string{"entity", "result"})
	udiEntities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "checkarr_udi_entities",
		Help: "Entities held in the data index after the last refresh",
	}, []string{"entity"})
)

func ObserveProbe(outcome string, elapsed time.Duration) {
	probesTotal.WithLabelValues(outcome).Inc()
	probeDurationSeconds.Observe(elapsed.Seconds())
}

func IncProbeRetry() { probeRetriesTotal.Inc() }

func IncDeadDetected()       { deadStreamsDetected.Inc() }
func IncRevived()            { streamsRevived.Inc() }
func SetDeadTracked(n int)   { deadStreamsTracked.Set(float64(n)) }
func IncChannelsReordered()  { channelsReordered.Inc() }
func SetQueueDepth(n int)    { queueDepth.Set(float64(n)) }
func IncQueueDrop()          { queueDropsTotal.Inc() }

func ObserveChannelCheck(result string, elapsed time.Duration) {
	channelChecksTotal.WithLabelValues(result).Inc()
	channelCheckDuration.Observe(elapsed.Seconds())
}

func ObserveLimiter(verdict string, waited time.Duration) {
	limiterAcquires.WithLabelValues(verdict).Inc()
	limiterWaitSeconds.Observe(waited.Seconds())
}

func IncPlaylistCycle(result string) { playlistCyclesTotal.WithLabelValues(result).Inc() }
func IncGlobalAction(result string)  { globalActionsTotal.WithLabelValues(result).Inc() }
func AddStreamsAssigned(n int)       { streamsAssignedTotal.Add(float64(n)) }
func AddStreamsUnassigned(n int)     { streamsUnassignedTotal.Add(float64(n)) }

func ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func IncUDIRefresh(entity, result string) { udiRefreshTotal.WithLabelValues(entity, result).Inc() }
func SetUDIEntities(entity string, n int) { udiEntities.WithLabelValues(entity).Set(float64(n)) }
