// Package metrics provides Prometheus metrics for the chat client core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks live gateway sockets.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatcore_active_connections",
			Help: "Number of currently open gateway connections",
		},
	)

	// EventsReduced counts reduced events by category.
	EventsReduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_events_reduced_total",
			Help: "Total events folded into a transcript, by category",
		},
		[]string{"category"},
	)

	// FramesDropped counts malformed inbound frames that were logged and
	// discarded without closing the connection.
	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_frames_dropped_total",
			Help: "Total malformed gateway frames dropped",
		},
	)

	// Dispatches counts outbound actions by action name.
	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatcore_dispatches_total",
			Help: "Total outbound user actions, by action",
		},
		[]string{"action"},
	)

	// ReconnectAttempts counts transport redial attempts.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_reconnect_attempts_total",
			Help: "Total gateway reconnect attempts",
		},
	)

	// HistoryPageDuration tracks history paging request latency.
	HistoryPageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatcore_history_page_duration_seconds",
			Help:    "Duration of history page fetches",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ConversationsEvicted counts directory evictions.
	ConversationsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatcore_conversations_evicted_total",
			Help: "Total conversations evicted from the session directory",
		},
	)
)
