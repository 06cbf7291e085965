package node

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmu1981/botfabric/bus"
)

func TestOnceRunsExactlyOnce(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	calls := 0
	n := New("test", drop, &calls)

	handle := n.Once(context.Background(), func(ctx context.Context, state *int) error {
		*state++
		return nil
	})

	if err := <-handle; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}
}

func TestOnceErrorIsDelivered(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	n := New("test", drop, new(int))

	wantErr := errors.New("boom")
	handle := n.Once(context.Background(), func(ctx context.Context, state *int) error {
		return wantErr
	})

	err := <-handle
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestIntervalRunsUntilTerminate(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	n := New("test", drop, new(int))

	handle := n.Interval(context.Background(), time.Millisecond, func(ctx context.Context, state *int) (Outcome, error) {
		*state++
		if *state >= 3 {
			return ResultTerminate, nil
		}
		return ResultNext, nil
	})

	if err := <-handle; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got int
	n.State(func(s *int) { got = *s })
	if got != 3 {
		t.Fatalf("expected 3 invocations, got %d", got)
	}
}

func TestIntervalCancelsOnDrop(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	n := New("test", drop, new(int))

	handle := n.Interval(context.Background(), time.Hour, func(ctx context.Context, state *int) (Outcome, error) {
		t.Fatal("callback should never run before the drop signal arrives")
		return ResultNext, nil
	})

	drop.Publish(struct{}{})

	select {
	case err := <-handle:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("interval loop did not observe the drop signal")
	}
}

func TestSubscribeDeliversMessages(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	n := New("test", drop, new([]int))

	topic := bus.NewTopic[int](4)
	rx := topic.Subscribe()
	defer topic.Unsubscribe(rx)

	handle := Subscribe(n, context.Background(), rx, func(ctx context.Context, msg int, state *[]int) (Outcome, error) {
		*state = append(*state, msg)
		if len(*state) == 2 {
			return ResultTerminate, nil
		}
		return ResultNext, nil
	})

	topic.Publish(1)
	topic.Publish(2)

	if err := <-handle; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []int
	n.State(func(s *[]int) { got = *s })
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
}

func TestSubscribeCancelsOnDrop(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	n := New("test", drop, new(int))

	topic := bus.NewTopic[int](1)
	rx := topic.Subscribe()
	defer topic.Unsubscribe(rx)

	handle := Subscribe(n, context.Background(), rx, func(ctx context.Context, msg int, state *int) (Outcome, error) {
		return ResultNext, nil
	})

	drop.Publish(struct{}{})

	select {
	case err := <-handle:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe loop did not observe the drop signal within one wakeup")
	}
}

func TestSubscribeRejectsIntervalRequest(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	n := New("test", drop, new(int))

	topic := bus.NewTopic[int](1)
	rx := topic.Subscribe()
	defer topic.Unsubscribe(rx)

	handle := Subscribe(n, context.Background(), rx, func(ctx context.Context, msg int, state *int) (Outcome, error) {
		return ResultInterval(time.Second), nil
	})

	topic.Publish(1)

	err := <-handle
	var threadErr *ThreadError
	if !errors.As(err, &threadErr) {
		t.Fatalf("expected a ThreadError, got %v", err)
	}
}

func TestDropContextCancelsOnDrop(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	ctx, cancel := DropContext(context.Background(), drop)
	defer cancel()

	drop.Publish(struct{}{})

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected drop to cancel the derived context")
	}
}
