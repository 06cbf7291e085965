// Package wheel implements one node per chassis wheel (§4.B): it accepts normalized
// speed commands from the motion controller and forwards them to the simulator's
// actuator endpoint, and it announces the wheel's physical placement (extrinsics) once
// the simulator has spawned the bot.
package wheel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/node"
	"github.com/dmu1981/botfabric/simclient"
	"github.com/dmu1981/botfabric/vec2"
)

// Extrinsics is a wheel's geometric placement on the chassis, as announced by the
// actuator side; it may override the value read from config.
type Extrinsics struct {
	Pivot   vec2.V `json:"pivot"`
	Forward vec2.V `json:"forward"`
}

type wheelState struct {
	Name       string
	Endpoint   string
	Configured Extrinsics
}

// Controller is one wheel's node.
type Controller struct {
	n          *node.Node[wheelState]
	client     *simclient.Client
	botSpawned *bus.Topic[bool]

	// SpeedTopic is where the motion controller publishes this wheel's target speed,
	// clamped to [-1, 1].
	SpeedTopic *bus.Topic[float32]
	// ExtrinsicsTopic is where this controller publishes its extrinsics exactly once,
	// during Init, for the motion controller to consume.
	ExtrinsicsTopic *bus.Topic[Extrinsics]

	speedRx <-chan float32
}

// New constructs a wheel controller. configured is the pivot/forward read from
// config.yaml, used as a fallback display value until the simulator's own extrinsics
// query (§4.B) arrives.
func New(
	name, simURL, actuatorEndpoint string,
	configured Extrinsics,
	drop *bus.Topic[struct{}],
	botSpawned *bus.Topic[bool],
) *Controller {
	n := node.New(fmt.Sprintf("wheel[%s]", name), drop, &wheelState{
		Name:       name,
		Endpoint:   actuatorEndpoint,
		Configured: configured,
	})

	return &Controller{
		n:               n,
		client:          simclient.New(simURL),
		botSpawned:      botSpawned,
		SpeedTopic:      bus.NewTopic[float32](4),
		ExtrinsicsTopic: bus.NewTopic[Extrinsics](1),
	}
}

// Init waits for the bot-spawned notification, then queries the simulator for this
// wheel's extrinsics and publishes them once.
func (c *Controller) Init(ctx context.Context) []node.Handle {
	// Subscribe before returning, so a notification published right after Init is seen.
	sub := c.botSpawned.Subscribe()
	h := c.n.Once(ctx, func(ctx context.Context, s *wheelState) error {
		defer c.botSpawned.Unsubscribe(sub)

		spawned := false
		for !spawned {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v := <-sub:
				spawned = v
			}
		}

		var wire Extrinsics
		if err := c.client.GetJSON(ctx, s.Endpoint, &wire); err != nil {
			return node.Wrapf(err, "query extrinsics for wheel %s", s.Name)
		}

		s.Configured = wire
		c.ExtrinsicsTopic.Publish(wire)
		return nil
	})
	return []node.Handle{h}
}

// Run subscribes to speed commands and forwards clamped values to the actuator.
func (c *Controller) Run(ctx context.Context) []node.Handle {
	c.speedRx = c.SpeedTopic.Subscribe()

	h := node.Subscribe(c.n, ctx, c.speedRx, func(ctx context.Context, speed float32, s *wheelState) (node.Outcome, error) {
		clamped := vec2.Clamp(speed, -1, 1)
		body, err := json.Marshal(clamped)
		if err != nil {
			return node.Outcome{}, node.Wrapf(err, "encode wheel speed")
		}
		if err := c.client.PostRaw(ctx, s.Endpoint, body); err != nil {
			return node.Outcome{}, node.Wrapf(err, "post wheel speed for %s", s.Name)
		}
		return node.ResultNext, nil
	})
	return []node.Handle{h}
}

// Stop releases the speed subscription and drives the actuator to zero.
func (c *Controller) Stop(ctx context.Context) []node.Handle {
	if c.speedRx != nil {
		c.SpeedTopic.Unsubscribe(c.speedRx)
	}

	h := c.n.Once(ctx, func(ctx context.Context, s *wheelState) error {
		body, _ := json.Marshal(float32(0))
		if err := c.client.PostRaw(ctx, s.Endpoint, body); err != nil {
			return node.Wrapf(err, "post zero speed for %s", s.Name)
		}
		return nil
	})
	return []node.Handle{h}
}
