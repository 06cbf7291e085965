// Package kicker forwards a boolean "fire" pulse from the behaviour tree to the
// simulator's kicker actuator (§4.E).
package kicker

import (
	"context"

	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/node"
	"github.com/dmu1981/botfabric/simclient"
)

type kickerState struct{}

// Controller is the kicker node.
type Controller struct {
	n      *node.Node[kickerState]
	client *simclient.Client

	KickTopic *bus.Topic[bool]
	kickRx    <-chan bool
}

// New constructs the kicker controller against a KickTopic the behaviour tree
// publishes to.
func New(simURL string, drop *bus.Topic[struct{}], kickTopic *bus.Topic[bool]) *Controller {
	return &Controller{
		n:         node.New("kicker", drop, &kickerState{}),
		client:    simclient.New(simURL),
		KickTopic: kickTopic,
	}
}

func (c *Controller) Init(ctx context.Context) []node.Handle { return nil }

// Run subscribes to kick pulses and fires the actuator on true; false is ignored.
func (c *Controller) Run(ctx context.Context) []node.Handle {
	c.kickRx = c.KickTopic.Subscribe()

	h := node.Subscribe(c.n, ctx, c.kickRx, func(ctx context.Context, fire bool, s *kickerState) (node.Outcome, error) {
		if !fire {
			return node.ResultNext, nil
		}
		if err := c.client.PostRaw(ctx, "/kicker", []byte("fire")); err != nil {
			return node.Outcome{}, node.Wrapf(err, "post kicker")
		}
		return node.ResultNext, nil
	})
	return []node.Handle{h}
}

func (c *Controller) Stop(ctx context.Context) []node.Handle {
	if c.kickRx != nil {
		c.KickTopic.Unsubscribe(c.kickRx)
	}
	return nil
}
