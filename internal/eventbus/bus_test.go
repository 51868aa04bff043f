package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: TaskFinished, Data: "x"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TaskFinished {
				t.Fatalf("subscriber %d: Type = %q, want %q", i, e.Type, TaskFinished)
			}
			if e.Time.IsZero() {
				t.Fatalf("subscriber %d: zero Time should be filled on publish", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event delivered", i)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})

	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
	// The buffered event is the oldest; publishes into a full buffer are the
	// ones discarded.
	e := <-ch
	if e.Type != "a" {
		t.Fatalf("buffered Type = %q, want a", e.Type)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)

	unsub()
	unsub() // second call is a no-op

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic even though the channel
	// is closed.
	b.Publish(Event{Type: "late"})
}

func TestSubscribeTypeFilter(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, TaskFailed, TaskCancelled)
	defer unsub()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: TaskFailed})
	b.Publish(Event{Type: TaskFinished})
	b.Publish(Event{Type: TaskCancelled})

	for _, want := range []string{TaskFailed, TaskCancelled} {
		select {
		case e := <-ch:
			if e.Type != want {
				t.Fatalf("Type = %q, want %q", e.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %q event", want)
		}
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected extra event %q", e.Type)
	default:
	}
	// Filtered-out events are skipped, not counted as drops.
	if got := b.Dropped(); got != 0 {
		t.Fatalf("Dropped = %d, want 0", got)
	}
}

func TestSubscribeBufferFloor(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	defer unsub()

	// A non-positive buffer is bumped to a small default, so an immediate
	// publish is never dropped.
	b.Publish(Event{Type: "first"})
	if got := b.Dropped(); got != 0 {
		t.Fatalf("Dropped = %d, want 0", got)
	}
	if e := <-ch; e.Type != "first" {
		t.Fatalf("Type = %q, want first", e.Type)
	}
}
