package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: EventLevelUp, Data: int64(7)})
	select {
	case ev := <-ch:
		if ev.Type != EventLevelUp || ev.Data.(int64) != 7 {
			t.Fatalf("event: %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Fatal("publish must stamp a time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// A full subscriber must not stall the publisher.
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventMissionResolved, Data: i})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	b.Publish(Event{Type: EventArenaCompleted})

	if _, ok := <-ch; ok {
		t.Fatal("unsubscribed channel must be closed and drained")
	}
}
