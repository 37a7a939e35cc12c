package events

import "jobescrow/core/types"

// Event represents a structured state change emitted by the escrow engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. the journal,
// websocket clients).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function into an Emitter.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// Payload extracts the structured payload carried by evt, if any.
func Payload(evt Event) (*types.Event, bool) {
	provider, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return nil, false
	}
	payload := provider.Event()
	return payload, payload != nil
}
