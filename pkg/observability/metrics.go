// Package observability bundles the Prometheus metrics the bridge
// exposes on /metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Command outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Metrics registers and updates the bridge's Prometheus collectors. A
// nil *Metrics is valid and records nothing, so instrumented components
// can run without a registry in tests.
type Metrics struct {
	FramesTotal     *prometheus.CounterVec
	EventsTotal     *prometheus.CounterVec
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	ReconnectsTotal prometheus.Counter
	PendingWaiters  prometheus.Gauge
	ConnectionState prometheus.Gauge
}

// NewMetrics registers the bridge collectors against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcore_frames_total",
			Help: "Total protocol frames exchanged with the radio, labeled by direction.",
		}, []string{"direction"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcore_events_total",
			Help: "Total decoded radio events, labeled by kind.",
		}, []string{"kind"}),
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcore_commands_total",
			Help: "Total correlated command exchanges, labeled by command code and outcome.",
		}, []string{"command", "outcome"}),
		CommandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meshcore_command_duration_seconds",
			Help:    "Latency of correlated command exchanges in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"command"}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcore_reconnects_total",
			Help: "Total reconnect attempts after a session drop.",
		}),
		PendingWaiters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcore_pending_waiters",
			Help: "Correlated waiters currently registered on the event bus.",
		}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcore_connection_state",
			Help: "Session state: 0 disconnected, 1 connecting, 2 connected, 3 ready.",
		}),
	}
}

// ObserveFrame counts a protocol frame in the given direction.
func (m *Metrics) ObserveFrame(direction string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction).Inc()
}

// ObserveEvent counts a decoded event by kind label.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// ObserveCommand records one correlated exchange with its outcome and
// duration.
func (m *Metrics) ObserveCommand(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// ObserveReconnect counts a reconnect attempt.
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// SetPendingWaiters reports the current waiter count.
func (m *Metrics) SetPendingWaiters(n int) {
	if m == nil {
		return
	}
	m.PendingWaiters.Set(float64(n))
}

// SetConnectionState reports the session state as a numeric gauge.
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}
