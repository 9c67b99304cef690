package observability

import (
	"cruize/core/events"
)

// EventCounter is an events.Emitter that counts committed vault events.
type EventCounter struct {
	metrics *VaultMetrics
}

// NewEventCounter binds the emitter to m, or to the global registry when m is
// nil.
func NewEventCounter(m *VaultMetrics) *EventCounter {
	if m == nil {
		m = Vault()
	}
	return &EventCounter{metrics: m}
}

// Emit implements events.Emitter.
func (c *EventCounter) Emit(evt events.Event) {
	if c == nil || c.metrics == nil || evt == nil {
		return
	}
	c.metrics.events.WithLabelValues(evt.EventType()).Inc()
}
