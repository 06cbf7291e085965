package bus

import (
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	topic := NewTopic[int](1)
	a := topic.Subscribe()
	b := topic.Subscribe()
	defer topic.Unsubscribe(a)
	defer topic.Unsubscribe(b)

	topic.Publish(42)

	select {
	case v := <-a:
		if v != 42 {
			t.Fatalf("expected 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber a")
	}

	select {
	case v := <-b:
		if v != 42 {
			t.Fatalf("expected 42, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber b")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	topic := NewTopic[int](1)
	sub := topic.Subscribe()
	defer topic.Unsubscribe(sub)

	topic.Publish(1)
	topic.Publish(2) // buffer already full with 1; this one should be dropped

	if lag := topic.Lag(sub); lag != 1 {
		t.Fatalf("expected lag of 1, got %d", lag)
	}

	v := <-sub
	if v != 1 {
		t.Fatalf("expected the first published value to survive, got %d", v)
	}
}

func TestUnsubscribeReleasesSlot(t *testing.T) {
	topic := NewTopic[int](0)
	sub := topic.Subscribe()
	if topic.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	topic.Unsubscribe(sub)
	if topic.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe")
	}
}
