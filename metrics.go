package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the sync engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	events        *prometheus.CounterVec
	duplicates    prometheus.Counter
	stale         prometheus.Counter
	pending       *prometheus.CounterVec
	sends         *prometheus.CounterVec
	notifications *prometheus.CounterVec
	reverts       prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_received_total",
			Help:      "Change-feed message events received, by type.",
		}, []string{"type"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicates_suppressed_total",
			Help:      "Inserted events for ids already present in the store.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_events_dropped_total",
			Help:      "Events delivered after their subscription was closed.",
		}),
		pending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "pending_patches_total",
			Help:      "Updates for unknown ids, by outcome (held, applied, evicted).",
		}, []string{"outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "optimistic_sends_total",
			Help:      "Optimistic sends, by outcome (confirmed, rolled_back).",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "notifications_total",
			Help:      "Notification gate decisions, by outcome (sent, suppressed, failed).",
		}, []string{"outcome"}),
		reverts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "deletion_reverts_flagged_total",
			Help:      "Updates and history loads rejected because they would un-delete a message.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.duplicates, m.stale, m.pending, m.sends, m.notifications, m.reverts)
	}
	return m
}

func (m *Metrics) eventReceived(t EventType) {
	if m != nil {
		m.events.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) duplicateSuppressed() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) staleDropped() {
	if m != nil {
		m.stale.Inc()
	}
}

func (m *Metrics) pendingPatch(outcome string, n int) {
	if m != nil && n > 0 {
		m.pending.WithLabelValues(outcome).Add(float64(n))
	}
}

func (m *Metrics) sendOutcome(outcome string) {
	if m != nil {
		m.sends.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) notification(outcome string) {
	if m != nil {
		m.notifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) deletionReverted() {
	if m != nil {
		m.reverts.Inc()
	}
}
