// Package metrics provides Prometheus instrumentation for the gateway and
// engine: gauges for connections, queue, pairs and secret sessions, counters
// for relay and dispatch outcomes, and histograms for match wait and send
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts relayed user messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonchat_messages_total",
		Help: "User messages handled by the relay",
	}, []string{"outcome"}) // delivered, dropped, blocked, held, rejected, upsell

	// DispatchTotal counts outbound send results.
	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonchat_dispatch_total",
		Help: "Outbound send results",
	}, []string{"result"}) // ok, rate_limited, throttled, transient, unreachable, exhausted

	// SendLatency records transport send latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anonchat_send_latency_seconds",
		Help:    "Transport send latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MatchWait records how long a matched user waited in the queue.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anonchat_match_wait_seconds",
		Help:    "Time from enqueue to match",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	})

	// ActivePairs tracks the current number of pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonchat_active_pairs",
		Help: "Current number of paired conversations",
	})

	// QueueSize tracks the number of users waiting for a partner.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonchat_queue_size",
		Help: "Current number of users in the matching queue",
	})

	// SecretSessions tracks active secret sessions.
	SecretSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anonchat_secret_sessions",
		Help: "Current number of active secret sessions",
	})

	// ModerationTotal counts moderation outcomes, including classifier errors.
	ModerationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonchat_moderation_total",
		Help: "Moderation verdicts and failures",
	}, []string{"result"}) // allow, soft_warn, block, error, invalid

	// BansTotal counts bans issued by source.
	BansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anonchat_bans_total",
		Help: "Bans issued",
	}, []string{"source"}) // strikes, reports, manual

	// HandlerPanics counts commands that panicked and were recovered.
	HandlerPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonchat_handler_panics_total",
		Help: "Recovered panics in command handlers",
	})

	// IdentifyRejected counts identify frames refused for a bad token.
	IdentifyRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anonchat_identify_rejected_total",
		Help: "Identify frames rejected for an invalid identity token",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		DispatchTotal,
		SendLatency,
		MatchWait,
		ActivePairs,
		QueueSize,
		SecretSessions,
		ModerationTotal,
		BansTotal,
		HandlerPanics,
		IdentifyRejected,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
