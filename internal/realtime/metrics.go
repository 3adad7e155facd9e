package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports push connection health. A nil *Metrics records nothing.
type Metrics struct {
	state          prometheus.Gauge
	reconnects     prometheus.Counter
	giveUps        prometheus.Counter
	eventsReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
}

// NewMetrics registers the push collectors with registerer. A nil registerer
// yields working but unregistered collectors.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		state: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wadesk_push_state",
			Help: "Current push connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting).",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "wadesk_push_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled after a dial failure or connection drop.",
		}),
		giveUps: factory.NewCounter(prometheus.CounterOpts{
			Name: "wadesk_push_give_ups_total",
			Help: "Times the reconnect budget was exhausted.",
		}),
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wadesk_push_events_received_total",
			Help: "Inbound push frames by event name.",
		}, []string{"event"}),
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wadesk_push_frames_sent_total",
			Help: "Outbound push frames by event name.",
		}, []string{"event"}),
	}
}

func (m *Metrics) setState(state State) {
	if m == nil {
		return
	}
	m.state.Set(float64(state))
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) gaveUp() {
	if m == nil {
		return
	}
	m.giveUps.Inc()
}

func (m *Metrics) received(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) sent(event string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(event).Inc()
}
