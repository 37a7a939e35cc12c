package events

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer bounds the per-subscriber queue used by Hub.
const DefaultSubscriberBuffer = 64

// Hub fans events out to attached sinks and channel subscribers. Sinks are
// invoked synchronously in attach order; channel subscribers receive events on
// a bounded buffer and miss events when they fall behind, so a slow reader can
// never stall the emitter.
type Hub struct {
	mu      sync.RWMutex
	sinks   []Emitter
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

// Attach registers a synchronous sink.
func (h *Hub) Attach(sink Emitter) {
	if h == nil || sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// Subscribe returns a channel receiving subsequent events and a cancel
// function that must be called to release it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit implements Emitter.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sink := range h.sinks {
		sink.Emit(evt)
	}
	for _, ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports how many channel deliveries were skipped.
func (h *Hub) Dropped() uint64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}
