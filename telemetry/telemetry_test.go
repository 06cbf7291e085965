package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/dmu1981/botfabric/blackboard"
	"github.com/dmu1981/botfabric/bus"
)

func TestSnapshotAggregatesWheelsPerceptionAndGenome(t *testing.T) {
	drop := bus.NewTopic[struct{}](1)
	perception := bus.NewTopic[blackboard.PerceptionMessage](4)
	status := bus.NewTopic[Status](4)
	left := bus.NewTopic[float32](4)
	right := bus.NewTopic[float32](4)

	c := New("training", perception, status, []WheelSpeedSource{
		{Name: "left", Speed: left},
		{Name: "right", Speed: right},
	}, drop)

	ctx := context.Background()
	handles := c.Run(ctx)
	defer func() {
		c.Stop(ctx)
		_ = handles
	}()

	out := c.Output.Subscribe()
	defer c.Output.Unsubscribe(out)

	perception.Publish(blackboard.PerceptionMessage{NGoals: 3})
	status.Publish(Status{Generation: 7, Score: 1.5, Run: 1, NumberRuns: 2})
	left.Publish(0.5)
	right.Publish(-0.25)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-out:
			if snap.Leaf == "training" && snap.Perception.NGoals == 3 &&
				snap.Genome.Generation == 7 && snap.WheelSpeeds["left"] == 0.5 && snap.WheelSpeeds["right"] == -0.25 {
				return
			}
		case <-deadline:
			t.Fatal("expected a fully aggregated snapshot within the deadline")
		}
	}
}
