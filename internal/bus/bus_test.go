package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 4)
	defer unsub()

	b.Emit(KindMessageAdded, "hello")

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageAdded {
			t.Errorf("Kind = %q, want %q", evt.Kind, KindMessageAdded)
		}
		if evt.Payload != "hello" {
			t.Errorf("Payload = %v, want hello", evt.Payload)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 4)
	defer unsub()

	b.Emit(KindMessageAdded, nil)
	b.Emit(KindSessionUpdated, nil)

	select {
	case evt := <-ch:
		if evt.Kind != KindSessionUpdated {
			t.Errorf("Kind = %q, want %q", evt.Kind, KindSessionUpdated)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected second event: %q", evt.Kind)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 4)
	unsub()

	b.Emit(KindTopicUpdated, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %q", evt.Kind)
	default:
	}
}

func TestFullSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Emit(KindContactUpdated, 1)
		b.Emit(KindContactUpdated, 2)
		b.Emit(KindContactUpdated, 3)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on full subscriber")
	}

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("Payload = %v, want 1", evt.Payload)
	}
}
