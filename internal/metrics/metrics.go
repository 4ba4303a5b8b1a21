// Package metrics provides Prometheus instrumentation for the match and chat
// services: live connection count, intent and match outcomes, message
// throughput, notification delivery and request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of hub connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "moviematch_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// IntentsTotal counts match requests by outcome: "created", "absorbed",
	// "declined", "decline_noop".
	IntentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moviematch_intents_total",
		Help: "Match intents processed",
	}, []string{"outcome"})

	// MatchesTotal counts reconciliations: "created" when this call opened the
	// room, "absorbed" when another reconciler or an earlier call had.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moviematch_matches_total",
		Help: "Mutual matches reconciled",
	}, []string{"outcome"})

	// MessagesTotal counts chat messages: "sent", "delivered", "rejected",
	// "dropped" (subscriber queue full).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moviematch_messages_total",
		Help: "Chat messages processed",
	}, []string{"type"})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moviematch_notifications_total",
		Help: "Out-of-band notifications by kind and outcome",
	}, []string{"kind", "outcome"})

	// SendLatency records Send from validation to publish.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "moviematch_send_latency_seconds",
		Help:    "Message send latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "moviematch_http_requests_total",
		Help: "REST requests by route template and status code",
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		IntentsTotal,
		MatchesTotal,
		MessagesTotal,
		NotificationsTotal,
		SendLatency,
		HTTPRequestsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
