package jobs

import "testing"

// TestEventBusSince verifies incremental event reads by sequence.
func TestEventBusSince(t *testing.T) {
	bus := NewEventBus(3)
	bus.Publish(Event{Type: EventTypeStatus, Message: "1"})
	bus.Publish(Event{Type: EventTypeStatus, Message: "2"})
	bus.Publish(Event{Type: EventTypeStatus, Message: "3"})

	events := bus.Since(1)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Seq != 2 || events[1].Seq != 3 {
		t.Fatalf("seqs = %d,%d, want 2,3", events[0].Seq, events[1].Seq)
	}
}

// TestEventBusCapsHistory verifies bounded retention.
func TestEventBusCapsHistory(t *testing.T) {
	bus := NewEventBus(2)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTypeProgress})
	}

	events := bus.Since(0)
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
	if events[0].Seq != 4 {
		t.Fatalf("oldest retained seq = %d, want 4", events[0].Seq)
	}
}

// TestEventBusSubscribe verifies live delivery and release.
func TestEventBusSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	ch, cancel := bus.Subscribe(4)

	bus.Publish(Event{JobID: "job-1", Type: EventTypeResult})
	got := <-ch
	if got.JobID != "job-1" || got.Seq != 1 {
		t.Fatalf("event = %+v", got)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after cancel")
	}
	bus.Publish(Event{Type: EventTypeStatus})
}

// TestEventBusDropsForSlowSubscriber verifies Publish never blocks.
func TestEventBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewEventBus(10)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: EventTypeProgress})
	bus.Publish(Event{Type: EventTypeProgress})
	if len(bus.Since(0)) != 2 {
		t.Fatal("history should keep both events")
	}
}
