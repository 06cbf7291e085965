// Package motion implements the holonomic motion controller (§4.C): it translates a
// blackboard.MoveCommand into per-wheel normalized speeds, applying momentum
// compensation so the chassis doesn't overshoot on sharp direction changes.
package motion

import (
	"context"
	"math"
	"time"

	"github.com/coder/quartz"

	"github.com/dmu1981/botfabric/blackboard"
	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/node"
	"github.com/dmu1981/botfabric/vec2"
	"github.com/dmu1981/botfabric/wheel"
)

const (
	kDeg = 8.0
	kVel = 0.5
	kRot = 5.0
)

// wheelGeometry is one wheel's resolved extrinsics plus the topic to publish its speed
// to.
type wheelGeometry struct {
	name    string
	pivot   vec2.V
	forward vec2.V
	speed   *bus.Topic[float32]
}

type controllerState struct {
	wheels    []wheelGeometry
	vMom      vec2.V
	rotMom    float32
	lastTick  time.Time
	haveTick  bool
}

// Controller is the motion controller node.
type Controller struct {
	n     *node.Node[controllerState]
	clock quartz.Clock

	extrinsicsTopics []*bus.Topic[wheel.Extrinsics]

	MoveTopic *bus.Topic[blackboard.MoveCommand]
	moveRx    <-chan blackboard.MoveCommand
}

// WheelRef ties a wheel's configured geometry and speed/extrinsics topics to the
// controller.
type WheelRef struct {
	Name             string
	Pivot, Forward   vec2.V
	SpeedTopic       *bus.Topic[float32]
	ExtrinsicsTopic  *bus.Topic[wheel.Extrinsics]
}

// New constructs the motion controller over the given wheels, in chassis order.
func New(drop *bus.Topic[struct{}], clock quartz.Clock, refs []WheelRef, moveTopic *bus.Topic[blackboard.MoveCommand]) *Controller {
	wheels := make([]wheelGeometry, len(refs))
	extrinsics := make([]*bus.Topic[wheel.Extrinsics], len(refs))
	for i, r := range refs {
		wheels[i] = wheelGeometry{name: r.Name, pivot: r.Pivot, forward: r.Forward, speed: r.SpeedTopic}
		extrinsics[i] = r.ExtrinsicsTopic
	}

	n := node.New("motion", drop, &controllerState{wheels: wheels})

	return &Controller{
		n:                n,
		clock:            clock,
		extrinsicsTopics: extrinsics,
		MoveTopic:        moveTopic,
	}
}

// Init blocks, subject to cancellation, until every wheel has announced its
// extrinsics.
func (c *Controller) Init(ctx context.Context) []node.Handle {
	// Subscribe to every wheel up front, so an announcement made while an earlier wheel
	// is still being awaited is buffered rather than lost.
	subs := make([]<-chan wheel.Extrinsics, len(c.extrinsicsTopics))
	for i, topic := range c.extrinsicsTopics {
		subs[i] = topic.Subscribe()
	}
	h := c.n.Once(ctx, func(ctx context.Context, s *controllerState) error {
		defer func() {
			for i, topic := range c.extrinsicsTopics {
				topic.Unsubscribe(subs[i])
			}
		}()
		for i, sub := range subs {
			select {
			case ext := <-sub:
				s.wheels[i].pivot = ext.Pivot
				s.wheels[i].forward = ext.Forward
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return []node.Handle{h}
}

// Run subscribes to move commands and resolves them into per-wheel speed
// publications.
func (c *Controller) Run(ctx context.Context) []node.Handle {
	c.moveRx = c.MoveTopic.Subscribe()

	h := node.Subscribe(c.n, ctx, c.moveRx, func(ctx context.Context, cmd blackboard.MoveCommand, s *controllerState) (node.Outcome, error) {
		now := c.clock.Now()
		var dt float32
		if s.haveTick {
			dt = float32(now.Sub(s.lastTick).Seconds())
		}
		s.lastTick = now
		s.haveTick = true

		if cmd.Kind == blackboard.Stop {
			for _, w := range s.wheels {
				w.speed.Publish(0)
			}
			return node.ResultNext, nil
		}

		// A zero target position stays (0,0) rather than normalizing to NaN, so a
		// pure-rotate command projects to zero movement on every wheel.
		pos := cmd.TargetPosition
		if pos.Magnitude() > 0 {
			pos = pos.Normalize()
		}
		ori := cmd.TargetOrientation.Normalize()

		pos = pos.Sub(s.vMom)

		angle := s.rotMom * kDeg * dt
		s.vMom = rotate(s.vMom, angle)

		s.vMom = s.vMom.Lerp(pos, vec2.Clamp(dt*kVel, 0, 1))

		var rotate32 float32
		switch {
		case ori.Y > 0:
			rotate32 = min32(ori.X, 1-ori.Y)
			if ori.Y > 0.5 {
				rotate32 *= 0.9
			}
		case ori.X > 0:
			rotate32 = 1
		default:
			rotate32 = -1
		}

		rotate32 -= s.rotMom
		s.rotMom = lerp32(s.rotMom, rotate32, vec2.Clamp(dt*kRot, 0, 1))

		// Step 7 projects against pos/rotate32 as they stood right after steps 2 and
		// 6 — the pre-lerp local values — not s.vMom/s.rotMom, which steps 4 and 6
		// have already advanced toward them for next tick's use (§4.C step 7).
		raw := make([]float32, len(s.wheels))
		m := float32(0.1)
		for i, w := range s.wheels {
			movement := vec2.Clamp(w.forward.Dot(pos), -1, 1)
			raw[i] = movement + rotate32
			if a := vec2.Abs(raw[i]); a > m {
				m = a
			}
		}
		for i, w := range s.wheels {
			w.speed.Publish(raw[i] / m)
		}

		return node.ResultNext, nil
	})
	return []node.Handle{h}
}

// Stop releases the move subscription.
func (c *Controller) Stop(ctx context.Context) []node.Handle {
	if c.moveRx != nil {
		c.MoveTopic.Unsubscribe(c.moveRx)
	}
	return nil
}

func rotate(v vec2.V, angle float32) vec2.V {
	s, cAngle := math.Sincos(float64(angle))
	return vec2.V{
		X: v.X*float32(cAngle) - v.Y*float32(s),
		Y: v.X*float32(s) + v.Y*float32(cAngle),
	}
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func lerp32(a, b, t float32) float32 {
	return a + (b-a)*t
}
