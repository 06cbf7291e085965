package motion

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/dmu1981/botfabric/blackboard"
	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/vec2"
	"github.com/dmu1981/botfabric/wheel"
)

func newTestController(t *testing.T, clock quartz.Clock) (*Controller, []*bus.Topic[float32]) {
	drop := bus.NewTopic[struct{}](1)
	move := bus.NewTopic[blackboard.MoveCommand](4)

	refs := []WheelRef{
		{Name: "fl", Forward: vec2.V{X: -0.707, Y: 0.707}, SpeedTopic: bus.NewTopic[float32](4), ExtrinsicsTopic: bus.NewTopic[wheel.Extrinsics](1)},
		{Name: "fr", Forward: vec2.V{X: 0.707, Y: 0.707}, SpeedTopic: bus.NewTopic[float32](4), ExtrinsicsTopic: bus.NewTopic[wheel.Extrinsics](1)},
	}
	speeds := make([]*bus.Topic[float32], len(refs))
	for i, r := range refs {
		speeds[i] = r.SpeedTopic
	}

	c := New(drop, clock, refs, move)
	return c, speeds
}

func TestStopPublishesZeroToEveryWheel(t *testing.T) {
	clock := quartz.NewMock(t)
	c, speeds := newTestController(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subs := make([]<-chan float32, len(speeds))
	for i, s := range speeds {
		subs[i] = s.Subscribe()
	}

	c.Run(ctx)
	c.MoveTopic.Publish(blackboard.NewStop())

	for _, sub := range subs {
		select {
		case v := <-sub:
			if v != 0 {
				t.Fatalf("expected 0, got %v", v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for stop speed")
		}
	}
}

// TestPureRotateFirstTickSaturatesImmediately is boundary scenario 6 (§8): on the very
// first command, with fresh momentum state (v_mom=0, rot_mom=0), a pure-rotate command
// must saturate every wheel at -1 on that single tick, not after many ticks of
// convergence. pos=(0,0) means every wheel's forward dot pos is 0 regardless of dt, so
// raw_i = 0 + rotate = -1 for every wheel and M = 1.
func TestPureRotateFirstTickSaturatesImmediately(t *testing.T) {
	clock := quartz.NewMock(t)
	c, speeds := newTestController(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subs := make([]<-chan float32, len(speeds))
	for i, s := range speeds {
		subs[i] = s.Subscribe()
	}

	c.Run(ctx)

	cmd := blackboard.NewMoveAndAlign(vec2.V{X: 0, Y: 0}, vec2.V{X: 0, Y: -1})
	c.MoveTopic.Publish(cmd)

	for _, sub := range subs {
		select {
		case v := <-sub:
			if v != -1 {
				t.Fatalf("expected wheel speed -1 on first pure-rotate tick, got %v", v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for rotate speed")
		}
	}
}

func TestPureRotateAllWheelsSaturate(t *testing.T) {
	clock := quartz.NewMock(t)
	c, speeds := newTestController(t, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subs := make([]<-chan float32, len(speeds))
	for i, s := range speeds {
		subs[i] = s.Subscribe()
	}

	c.Run(ctx)

	cmd := blackboard.NewMoveAndAlign(vec2.V{X: 0, Y: 0}, vec2.V{X: 0, Y: -1})
	for i := 0; i < 50; i++ {
		clock.Advance(20 * time.Millisecond)
		c.MoveTopic.Publish(cmd)
		for _, sub := range subs {
			<-sub
		}
	}

	clock.Advance(20 * time.Millisecond)
	c.MoveTopic.Publish(cmd)
	for _, sub := range subs {
		select {
		case v := <-sub:
			if v > -0.9 {
				t.Fatalf("expected wheel speed to converge near -1 under pure rotate, got %v", v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for rotate speed")
		}
	}
}
