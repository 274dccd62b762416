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

	b.Publish(Event{Type: JobFired, Data: "j1"})

	select {
	case e := <-ch:
		if e.Type != JobFired || e.Data != "j1" {
			t.Fatalf("unexpected event: %+v", e)
		}
		if e.Time.IsZero() {
			t.Fatal("publish must stamp the time")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: JobFired})
	b.Publish(Event{Type: JobCompleted}) // buffer full, dropped

	<-ch
	select {
	case e := <-ch:
		t.Fatalf("expected drop, got %+v", e)
	default:
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Publishing to a closed channel must not panic.
	b.Publish(Event{Type: JobFailed})

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}

func TestFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(1)
	defer unsubC()

	b.Publish(Event{Type: EventReceived, Data: "evt"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Data != "evt" {
				t.Fatalf("unexpected event: %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("fanout missed a subscriber")
		}
	}
}
