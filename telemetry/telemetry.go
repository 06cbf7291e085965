// Package telemetry aggregates the fabric's running state — the latest perception
// snapshot, the active behaviour-tree leaf, current wheel speeds, and the genome under
// evaluation's running score — into a single JSON-able snapshot for the dashboard
// (SPEC_FULL.md §4.K). It is ambient observability infrastructure: nothing on the
// control loop's critical path depends on it, and a snapshot drop never affects the
// robot.
package telemetry

import (
	"context"
	"time"

	"github.com/dmu1981/botfabric/blackboard"
	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/node"
)

const publishPeriod = 100 * time.Millisecond

// Status is the active genome's running evaluation state, published by whichever leaf
// (training or watcher) currently owns the blackboard.
type Status struct {
	Generation uint32  `json:"generation"`
	Score      float32 `json:"score"`
	Run        int     `json:"run"`
	NumberRuns int     `json:"number_runs"`
}

// Snapshot is one point-in-time view of the robot's internal state, pushed to the
// dashboard over the websocket.
type Snapshot struct {
	Perception  blackboard.PerceptionMessage `json:"perception"`
	Leaf        string                       `json:"leaf"`
	WheelSpeeds map[string]float32           `json:"wheel_speeds"`
	Genome      Status                       `json:"genome"`
}

type aggregatorState struct {
	perception  blackboard.PerceptionMessage
	wheelSpeeds map[string]float32
	genome      Status
}

// WheelSpeedSource ties a wheel's name to the topic its controller publishes speed
// commands on, so the aggregator can mirror the motion controller's output without the
// motion controller itself knowing anything about telemetry.
type WheelSpeedSource struct {
	Name  string
	Speed *bus.Topic[float32]
}

// Controller is the telemetry aggregator node.
type Controller struct {
	n    *node.Node[aggregatorState]
	leaf string

	perceptionTopic *bus.Topic[blackboard.PerceptionMessage]
	statusTopic     *bus.Topic[Status]
	wheelSources    []WheelSpeedSource

	perceptionRx <-chan blackboard.PerceptionMessage
	statusRx     <-chan Status
	wheelRx      []<-chan float32

	// Output is the fan-out point the dashboard server subscribes to; every connected
	// client gets its own subscription.
	Output *bus.Topic[Snapshot]
}

// New constructs the telemetry aggregator. leaf names the behaviour-tree leaf this
// process runs ("training" or "watcher"); it never changes within a process lifetime.
func New(
	leaf string,
	perceptionTopic *bus.Topic[blackboard.PerceptionMessage],
	statusTopic *bus.Topic[Status],
	wheelSources []WheelSpeedSource,
	drop *bus.Topic[struct{}],
) *Controller {
	return &Controller{
		n:               node.New("telemetry", drop, &aggregatorState{wheelSpeeds: map[string]float32{}}),
		leaf:            leaf,
		perceptionTopic: perceptionTopic,
		statusTopic:     statusTopic,
		wheelSources:    wheelSources,
		Output:          bus.NewTopic[Snapshot](4),
	}
}

func (c *Controller) Init(ctx context.Context) []node.Handle { return nil }

// Run mirrors perception, genome status and every wheel's published speed into the
// aggregator's state, then periodically publishes a combined Snapshot.
func (c *Controller) Run(ctx context.Context) []node.Handle {
	var handles []node.Handle

	c.perceptionRx = c.perceptionTopic.Subscribe()
	handles = append(handles, node.Subscribe(c.n, ctx, c.perceptionRx, func(ctx context.Context, msg blackboard.PerceptionMessage, s *aggregatorState) (node.Outcome, error) {
		s.perception = msg
		return node.ResultNext, nil
	}))

	c.statusRx = c.statusTopic.Subscribe()
	handles = append(handles, node.Subscribe(c.n, ctx, c.statusRx, func(ctx context.Context, status Status, s *aggregatorState) (node.Outcome, error) {
		s.genome = status
		return node.ResultNext, nil
	}))

	c.wheelRx = make([]<-chan float32, len(c.wheelSources))
	for i, src := range c.wheelSources {
		rx := src.Speed.Subscribe()
		c.wheelRx[i] = rx
		name := src.Name
		handles = append(handles, node.Subscribe(c.n, ctx, rx, func(ctx context.Context, speed float32, s *aggregatorState) (node.Outcome, error) {
			s.wheelSpeeds[name] = speed
			return node.ResultNext, nil
		}))
	}

	handles = append(handles, c.n.Interval(ctx, publishPeriod, func(ctx context.Context, s *aggregatorState) (node.Outcome, error) {
		speeds := make(map[string]float32, len(s.wheelSpeeds))
		for k, v := range s.wheelSpeeds {
			speeds[k] = v
		}
		c.Output.Publish(Snapshot{
			Perception:  s.perception,
			Leaf:        c.leaf,
			WheelSpeeds: speeds,
			Genome:      s.genome,
		})
		return node.ResultNext, nil
	}))

	return handles
}

// Stop releases every subscription.
func (c *Controller) Stop(ctx context.Context) []node.Handle {
	if c.perceptionRx != nil {
		c.perceptionTopic.Unsubscribe(c.perceptionRx)
	}
	if c.statusRx != nil {
		c.statusTopic.Unsubscribe(c.statusRx)
	}
	for i, rx := range c.wheelRx {
		if rx != nil {
			c.wheelSources[i].Speed.Unsubscribe(rx)
		}
	}
	return nil
}
