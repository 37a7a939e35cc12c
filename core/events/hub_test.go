package events

import "testing"

type testEvent string

func (e testEvent) EventType() string { return string(e) }

func TestHubDeliversToSinksAndSubscribers(t *testing.T) {
	hub := NewHub()
	var seen []string
	hub.Attach(EmitterFunc(func(evt Event) { seen = append(seen, evt.EventType()) }))
	ch, cancel := hub.Subscribe(2)
	defer cancel()

	hub.Emit(testEvent("a"))
	hub.Emit(testEvent("b"))

	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("unexpected sink deliveries: %v", seen)
	}
	if got := (<-ch).EventType(); got != "a" {
		t.Fatalf("unexpected first event %q", got)
	}
	if got := (<-ch).EventType(); got != "b" {
		t.Fatalf("unexpected second event %q", got)
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(1)
	hub.Emit(testEvent("a"))
	hub.Emit(testEvent("b"))
	if hub.Dropped() != 1 {
		t.Fatalf("expected one dropped delivery, got %d", hub.Dropped())
	}
	cancel()
	cancel()
	hub.Emit(testEvent("c"))
	if hub.Dropped() != 1 {
		t.Fatalf("cancelled subscriber should not count drops")
	}
}
