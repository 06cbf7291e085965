// Package manager performs the simulator API handshake, spawn notification, and scene
// reset pulses (§4.F).
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/node"
	"github.com/dmu1981/botfabric/simclient"
)

// ExpectedAPIVersion is the simulator API version this module was built against.
const ExpectedAPIVersion = 2

const spawnSettleDelay = 250 * time.Millisecond

type apiWire struct {
	Version uint32 `json:"version"`
}

type managerState struct{}

// Controller is the manager node.
type Controller struct {
	n      *node.Node[managerState]
	client *simclient.Client

	// BotSpawned is broadcast true once the simulator has accepted the reset that
	// spawns the bot; wheel controllers wait on this before querying extrinsics.
	BotSpawned *bus.Topic[bool]

	ResetTopic *bus.Topic[bool]
	resetRx    <-chan bool
}

// New constructs the manager node against the given simulator and the blackboard's
// reset-sim topic.
func New(simURL string, drop *bus.Topic[struct{}], resetTopic *bus.Topic[bool]) *Controller {
	return &Controller{
		n:          node.New("manager", drop, &managerState{}),
		client:     simclient.New(simURL),
		BotSpawned: bus.NewTopic[bool](1),
		ResetTopic: resetTopic,
	}
}

// Init verifies the simulator API version, resets the scene once, and announces
// bot-spawned once the simulator has settled.
func (c *Controller) Init(ctx context.Context) []node.Handle {
	h := c.n.Once(ctx, func(ctx context.Context, s *managerState) error {
		var api apiWire
		if err := c.client.GetJSON(ctx, "/api", &api); err != nil {
			return node.Wrapf(err, "query simulator api version")
		}
		if api.Version != ExpectedAPIVersion {
			return &node.ThreadError{Msg: fmt.Sprintf("simulator api version mismatch: got %d, want %d", api.Version, ExpectedAPIVersion)}
		}

		if err := c.client.PostRaw(ctx, "/reset", nil); err != nil {
			return node.Wrapf(err, "reset scene")
		}

		select {
		case <-time.After(spawnSettleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}

		c.BotSpawned.Publish(true)
		return nil
	})
	return []node.Handle{h}
}

// Run subscribes to reset-sim requests and resets the simulator on each true.
func (c *Controller) Run(ctx context.Context) []node.Handle {
	c.resetRx = c.ResetTopic.Subscribe()

	h := node.Subscribe(c.n, ctx, c.resetRx, func(ctx context.Context, reset bool, s *managerState) (node.Outcome, error) {
		if !reset {
			return node.ResultNext, nil
		}
		if err := c.client.PostRaw(ctx, "/reset", nil); err != nil {
			return node.Outcome{}, node.Wrapf(err, "reset scene")
		}
		return node.ResultNext, nil
	})
	return []node.Handle{h}
}

func (c *Controller) Stop(ctx context.Context) []node.Handle {
	if c.resetRx != nil {
		c.ResetTopic.Unsubscribe(c.resetRx)
	}
	return nil
}
