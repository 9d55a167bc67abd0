// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package metrics holds the Prometheus collectors for the mediation paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcp_mediator"

var (
	AuthRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "auth_rejected_total",
		Help: "Caller credentials rejected, by channel (unary, stream).",
	}, []string{"channel"})

	ValidationDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "validation_denied_total",
		Help: "Upstream addresses denied by the safety validator, by reason.",
	}, []string{"reason"})

	ForwardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "forward_total",
		Help: "Unary calls forwarded upstream, by outcome.",
	}, []string{"outcome"})

	ForwardDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "forward_duration_seconds",
		Help:    "Upstream round trip time for unary calls.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "active_sessions",
		Help: "Streaming sessions currently relaying.",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "sessions_total",
		Help: "Streaming sessions ended, by outcome.",
	}, []string{"outcome"})

	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "session_duration_seconds",
		Help:    "Streaming session lifetime.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 18),
	})

	RelayedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "relayed_messages_total",
		Help: "WebSocket messages relayed, by direction.",
	}, []string{"direction"})

	RelayedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "relayed_bytes_total",
		Help: "WebSocket payload bytes relayed, by direction.",
	}, []string{"direction"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
