// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the relay.
//
// All methods are safe to call on a nil *Metrics, so components accept an
// optional instance and never branch on whether metrics are enabled.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "floyd"

// Upstream phases reported by the upstream_phase gauge.
var phases = []string{"disconnected", "connecting", "connected"}

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionRemovals *prometheus.CounterVec

	// Upstream metrics
	UpstreamPhase      *prometheus.GaugeVec
	UpstreamConnects   *prometheus.CounterVec
	UpstreamReconnects prometheus.Counter
	UpstreamExhausted  prometheus.Counter
	UpstreamStale      prometheus.Gauge
	UpstreamMessages   *prometheus.CounterVec

	// Relay metrics
	Broadcasts          prometheus.Counter
	BroadcastDeliveries prometheus.Counter
	Commands            *prometheus.CounterVec
	RateLimited         prometheus.Counter
}

// New registers all metrics with reg under namespace. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of registered client sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of client sessions registered",
		}),
		SessionRemovals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_removals_total",
				Help:      "Total number of client sessions removed",
			},
			[]string{"reason"},
		),
		UpstreamPhase: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_phase",
				Help:      "Current upstream link phase (1 for the active phase)",
			},
			[]string{"phase"},
		),
		UpstreamConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_connects_total",
				Help:      "Total number of upstream connect attempts",
			},
			[]string{"result"},
		),
		UpstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_scheduled_total",
			Help:      "Total number of automatic upstream reconnects scheduled",
		}),
		UpstreamExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnect_exhausted_total",
			Help:      "Total number of times the reconnect budget ran out",
		}),
		UpstreamStale: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_liveness_stale",
			Help:      "Whether the upstream liveness acknowledgment is overdue (0 or 1)",
		}),
		UpstreamMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_messages_total",
				Help:      "Total number of upstream messages",
			},
			[]string{"direction"},
		),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total number of broadcasts to client sessions",
		}),
		BroadcastDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Total number of per-session broadcast frames queued",
		}),
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of client commands processed",
			},
			[]string{"action", "status"},
		),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_messages_total",
			Help:      "Total number of client messages rejected by the rate limiter",
		}),
	}
}

// SessionAdded records a newly registered session.
func (m *Metrics) SessionAdded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionsTotal.Inc()
}

// SessionRemoved records a session removal.
func (m *Metrics) SessionRemoved(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionRemovals.WithLabelValues(reason).Inc()
}

// SetUpstreamPhase marks phase as the active upstream phase.
func (m *Metrics) SetUpstreamPhase(phase string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.UpstreamPhase.WithLabelValues(p).Set(v)
	}
}

// UpstreamConnect records the result of a connect attempt.
func (m *Metrics) UpstreamConnect(result string) {
	if m == nil {
		return
	}
	m.UpstreamConnects.WithLabelValues(result).Inc()
}

// ReconnectScheduled records an automatic reconnect.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.UpstreamReconnects.Inc()
}

// ReconnectExhausted records the reconnect budget running out.
func (m *Metrics) ReconnectExhausted() {
	if m == nil {
		return
	}
	m.UpstreamExhausted.Inc()
}

// SetUpstreamStale sets the liveness staleness flag.
func (m *Metrics) SetUpstreamStale(stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.UpstreamStale.Set(1)
		return
	}
	m.UpstreamStale.Set(0)
}

// UpstreamMessage records an upstream message in direction "in" or "out".
func (m *Metrics) UpstreamMessage(direction string) {
	if m == nil {
		return
	}
	m.UpstreamMessages.WithLabelValues(direction).Inc()
}

// Broadcast records one broadcast queued for n sessions.
func (m *Metrics) Broadcast(n int) {
	if m == nil {
		return
	}
	m.Broadcasts.Inc()
	m.BroadcastDeliveries.Add(float64(n))
}

// Command records a processed client command.
func (m *Metrics) Command(action, status string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(action, status).Inc()
}

// RateLimitedMessage records a message dropped by the rate limiter.
func (m *Metrics) RateLimitedMessage() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
