// Package metrics exposes Prometheus collectors for a STOMP session.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Metrics struct {
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	keepAlives     prometheus.Counter
	state          prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stomp_frames_sent_total",
				Help: "Frames written to the broker",
			},
			[]string{"command"},
		),
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stomp_frames_received_total",
				Help: "Frames decoded from the broker",
			},
			[]string{"command"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stomp_reconnects_total",
				Help: "Reconnect attempts by result",
			},
			[]string{"result"},
		),
		keepAlives: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stomp_keepalives_sent_total",
				Help: "Application level keepalive frames sent",
			},
		),
		state: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stomp_connection_state",
				Help: "Session state: 0 disconnected, 1 connecting, 2 connected, 3 disconnecting, 4 reconnecting",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.framesSent, m.framesReceived, m.reconnects, m.keepAlives, m.state)
	}
	return m
}

func (m *Metrics) FrameSent(command string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(command).Inc()
}

func (m *Metrics) FrameReceived(command string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(command).Inc()
}

func (m *Metrics) Reconnect(success bool) {
	if m == nil {
		return
	}
	result := ResultFailure
	if success {
		result = ResultSuccess
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) KeepAliveSent() {
	if m == nil {
		return
	}
	m.keepAlives.Inc()
}

func (m *Metrics) SetState(state int) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}
