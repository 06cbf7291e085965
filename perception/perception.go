// Package perception periodically polls the simulator's scene endpoints and emits a
// typed snapshot of the world (§4.D).
package perception

import (
	"context"
	"time"

	"github.com/dmu1981/botfabric/blackboard"
	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/node"
	"github.com/dmu1981/botfabric/simclient"
	"github.com/dmu1981/botfabric/vec2"
)

const pollPeriod = 50 * time.Millisecond

// CorePositions is the subset of a scene snapshot forwarded to the intercom link.
type CorePositions struct {
	Ball       vec2.V
	OwnGoal    vec2.V
	TargetGoal vec2.V
}

type posWire struct {
	AbsRobotPos vec2.V `json:"abs_robot_pos"`
	AbsBallPos  vec2.V `json:"abs_ball_pos"`
}

type goalsWire struct {
	NGoals uint32 `json:"n_goals"`
}

type detectionWire struct {
	Detected bool   `json:"detected"`
	Position vec2.V `json:"position"`
}

func (d detectionWire) measurement() blackboard.Measurement {
	if !d.Detected {
		return blackboard.Measurement{}
	}
	pos := d.Position
	return blackboard.Measurement{Position: &pos}
}

type perceptionState struct{}

// Controller is the perception node.
type Controller struct {
	n      *node.Node[perceptionState]
	client *simclient.Client
	drop   *bus.Topic[struct{}]

	Output      *bus.Topic[blackboard.PerceptionMessage]
	IntercomOut *bus.Topic[CorePositions]
}

// New constructs the perception poller against the simulator at simURL.
func New(simURL string, drop *bus.Topic[struct{}]) *Controller {
	return &Controller{
		n:           node.New("perception", drop, &perceptionState{}),
		client:      simclient.New(simURL),
		drop:        drop,
		Output:      bus.NewTopic[blackboard.PerceptionMessage](4),
		IntercomOut: bus.NewTopic[CorePositions](4),
	}
}

// Init performs no setup; perception starts polling immediately in Run.
func (c *Controller) Init(ctx context.Context) []node.Handle { return nil }

// Run polls the scene every 50ms; any request failure trips the global drop.
func (c *Controller) Run(ctx context.Context) []node.Handle {
	h := c.n.Interval(ctx, pollPeriod, func(ctx context.Context, s *perceptionState) (node.Outcome, error) {
		msg, err := c.poll(ctx)
		if err != nil {
			c.drop.Publish(struct{}{})
			return node.Outcome{}, node.Wrapf(err, "perception poll")
		}

		c.Output.Publish(msg)
		c.IntercomOut.Publish(CorePositions{
			Ball:       valueOr(msg.Ball.Position, vec2.V{}),
			OwnGoal:    valueOr(msg.OwnGoal.Position, vec2.V{}),
			TargetGoal: valueOr(msg.TargetGoal.Position, vec2.V{}),
		})
		return node.ResultNext, nil
	})
	return []node.Handle{h}
}

// Stop is a no-op; the interval primitive already tears down on cancellation.
func (c *Controller) Stop(ctx context.Context) []node.Handle { return nil }

func (c *Controller) poll(ctx context.Context) (blackboard.PerceptionMessage, error) {
	var pos posWire
	if err := c.client.GetJSON(ctx, "/pos", &pos); err != nil {
		return blackboard.PerceptionMessage{}, err
	}

	var goals goalsWire
	if err := c.client.GetJSON(ctx, "/goals", &goals); err != nil {
		return blackboard.PerceptionMessage{}, err
	}

	var ball, ownGoal, targetGoal, boundary detectionWire
	if err := c.client.GetJSON(ctx, "/ball", &ball); err != nil {
		return blackboard.PerceptionMessage{}, err
	}
	if err := c.client.GetJSON(ctx, "/owngoal", &ownGoal); err != nil {
		return blackboard.PerceptionMessage{}, err
	}
	if err := c.client.GetJSON(ctx, "/targetgoal", &targetGoal); err != nil {
		return blackboard.PerceptionMessage{}, err
	}
	if err := c.client.GetJSON(ctx, "/boundary", &boundary); err != nil {
		return blackboard.PerceptionMessage{}, err
	}

	return blackboard.PerceptionMessage{
		NGoals:      goals.NGoals,
		AbsRobotPos: pos.AbsRobotPos,
		AbsBallPos:  pos.AbsBallPos,
		Ball:        ball.measurement(),
		OwnGoal:     ownGoal.measurement(),
		TargetGoal:  targetGoal.measurement(),
		Boundary:    boundary.measurement(),
	}, nil
}

func valueOr(v *vec2.V, fallback vec2.V) vec2.V {
	if v == nil {
		return fallback
	}
	return *v
}
