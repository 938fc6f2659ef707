package bus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(nil)

	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(Event{Kind: EventWindowMinimized})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != EventWindowMinimized {
				t.Fatalf("subscriber %d got kind %v", i, ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	b := New(nil)

	ch, cancel := b.Subscribe()
	cancel()

	b.Publish(Event{Kind: EventBackendReady})

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("cancelled subscriber should not receive events")
		}
	case <-time.After(100 * time.Millisecond):
		// Channel may simply stay silent; either way no event arrived.
	}
}

func TestSlowSubscriberNeverBlocksPublish(t *testing.T) {
	b := New(nil)

	_, cancel := b.Subscribe() // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		// Well past the buffer size; must not deadlock.
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: EventSessionStateChanged, Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
