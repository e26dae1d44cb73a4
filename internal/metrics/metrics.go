// Package metrics exposes room and signaling counters for Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	registry *prometheus.Registry

	rooms        prometheus.Gauge
	roomsTotal   prometheus.Counter
	members      prometheus.Gauge
	sessions     prometheus.Gauge
	screenShares prometheus.Counter
	messages     *prometheus.CounterVec
	engineErrors *prometheus.CounterVec
	dropped      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "studyroom",
			Name:      "rooms_current",
			Help:      "Rooms with a live routing context.",
		}),
		roomsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studyroom",
			Name:      "rooms_total",
			Help:      "Routing contexts created.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "studyroom",
			Name:      "members_current",
			Help:      "Members across all rooms.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "studyroom",
			Name:      "sessions_current",
			Help:      "Open signaling connections.",
		}),
		screenShares: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studyroom",
			Name:      "screen_shares_total",
			Help:      "Screen shares started.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyroom",
			Name:      "signal_messages_total",
			Help:      "Signaling requests by type and result kind.",
		}, []string{"type", "result"}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studyroom",
			Name:      "engine_errors_total",
			Help:      "Failed media engine calls by operation.",
		}, []string{"op"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "studyroom",
			Name:      "notifications_dropped_total",
			Help:      "Notifications not delivered because of back-pressure.",
		}),
	}
	m.registry.MustRegister(m.rooms, m.roomsTotal, m.members, m.sessions, m.screenShares, m.messages, m.engineErrors, m.dropped)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) RoomOpened() {
	if m == nil {
		return
	}
	m.rooms.Inc()
	m.roomsTotal.Inc()
}

func (m *Metrics) RoomClosed() {
	if m == nil {
		return
	}
	m.rooms.Dec()
}

func (m *Metrics) MemberJoined() {
	if m == nil {
		return
	}
	m.members.Inc()
}

func (m *Metrics) MemberLeft() {
	if m == nil {
		return
	}
	m.members.Dec()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) ScreenShareStarted() {
	if m == nil {
		return
	}
	m.screenShares.Inc()
}

func (m *Metrics) Message(typ, result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(typ, result).Inc()
}

func (m *Metrics) EngineError(op string) {
	if m == nil {
		return
	}
	m.engineErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
