package events

import (
	"log/slog"
	"sync"

	"blockmusic/core/types"
)

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Payload is implemented by events that carry a typed attribute map.
type Payload interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC receipts, logs).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Recorder buffers emitted events until they are drained.
type Recorder struct {
	mu     sync.Mutex
	events []*types.Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	raw := &types.Event{Type: evt.EventType()}
	if p, ok := evt.(Payload); ok && p.Event() != nil {
		raw = p.Event()
	}
	r.mu.Lock()
	r.events = append(r.events, raw)
	r.mu.Unlock()
}

// Drain returns and clears the buffered events.
func (r *Recorder) Drain() []*types.Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

// LogEmitter writes every event to a structured logger.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (l LogEmitter) Emit(evt Event) {
	if evt == nil {
		return
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{slog.String("type", evt.EventType())}
	if p, ok := evt.(Payload); ok && p.Event() != nil {
		raw := p.Event()
		for _, key := range raw.Keys() {
			attrs = append(attrs, slog.String(key, raw.Attributes[key]))
		}
	}
	logger.Info("ledger event", attrs...)
}

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}
