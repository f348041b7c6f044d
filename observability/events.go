package observability

import (
	"blockmusic/core/events"
)

// EventCounter counts ledger events by type. It satisfies events.Emitter so it
// can be fanned out next to the log emitter.
type EventCounter struct {
	metrics *LedgerMetrics
}

// NewEventCounter returns an emitter backed by the ledger registry.
func NewEventCounter() *EventCounter {
	return &EventCounter{metrics: Ledger()}
}

// Emit implements events.Emitter.
func (c *EventCounter) Emit(evt events.Event) {
	if c == nil || evt == nil {
		return
	}
	c.metrics.RecordEvent(evt.EventType())
}
