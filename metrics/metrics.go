/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package metrics holds the Prometheus collectors of the agent console.
// All methods are safe on a nil *Metrics, so components can be built
// without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a set of collectors registered on their own registry.
type Metrics struct {
	registry *prometheus.Registry

	TransportUp         prometheus.Gauge
	TransportReconnects prometheus.Counter
	MalformedFrames     prometheus.Counter
	RegistrationState   *prometheus.GaugeVec
	CallsTotal          *prometheus.CounterVec
	CommandErrors       *prometheus.CounterVec
	RingDuration        prometheus.Histogram
	TalkDuration        prometheus.Histogram
}

// New creates the collectors under namespace on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TransportUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_up",
			Help:      "Whether the backend event stream is connected",
		}),
		TransportReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_stream_reconnects_total",
			Help:      "Reconnect attempts of the backend event stream",
		}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_stream_malformed_frames_total",
			Help:      "Event stream frames dropped because they could not be decoded",
		}),
		RegistrationState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sip_registration_state",
			Help:      "Current SIP registration state (1 for the active state)",
		}, []string{"state"}),
		CallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Finished call sessions by direction and outcome",
		}, []string{"direction", "outcome"}),
		CommandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Console commands that returned an error",
		}, []string{"command"}),
		RingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_ring_duration_seconds",
			Help:      "Time between a call being offered and answered or abandoned",
			Buckets:   []float64{1, 2, 5, 10, 15, 20, 30, 45, 60},
		}),
		TalkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_talk_duration_seconds",
			Help:      "Time between answer and hangup of answered calls",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 9),
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetTransportUp records the event stream connection state.
func (m *Metrics) SetTransportUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.TransportUp.Set(1)
	} else {
		m.TransportUp.Set(0)
	}
}

// IncReconnect counts a reconnect attempt.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.TransportReconnects.Inc()
}

// IncMalformedFrame counts a dropped frame.
func (m *Metrics) IncMalformedFrame() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

// SetRegistrationState marks state as the only active registration state.
func (m *Metrics) SetRegistrationState(state string) {
	if m == nil {
		return
	}
	m.RegistrationState.Reset()
	m.RegistrationState.WithLabelValues(state).Set(1)
}

// ObserveCall records a finished call. talk is nil for unanswered calls.
func (m *Metrics) ObserveCall(direction, outcome string, ring time.Duration, talk *time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(direction, outcome).Inc()
	m.RingDuration.Observe(ring.Seconds())
	if talk != nil {
		m.TalkDuration.Observe(talk.Seconds())
	}
}

// IncCommandError counts a failed console command.
func (m *Metrics) IncCommandError(command string) {
	if m == nil {
		return
	}
	m.CommandErrors.WithLabelValues(command).Inc()
}
