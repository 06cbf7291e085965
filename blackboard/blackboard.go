// Package blackboard defines the shared mutable context the behaviour tree reads and
// writes during a tick: the latest scene snapshot plus the publisher handles a tree leaf
// uses to drive the rest of the fabric.
package blackboard

import (
	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/vec2"
)

// Measurement is an optionally-detected scene position.
type Measurement struct {
	Position *vec2.V
}

// Detected reports whether the simulator reported a position for this measurement.
func (m Measurement) Detected() bool { return m.Position != nil }

// PerceptionMessage is one scene snapshot (§3).
type PerceptionMessage struct {
	NGoals      uint32
	AbsRobotPos vec2.V
	AbsBallPos  vec2.V
	Ball        Measurement
	OwnGoal     Measurement
	TargetGoal  Measurement
	Boundary    Measurement
}

// MoveKind tags a MoveCommand's variant.
type MoveKind int

const (
	Stop MoveKind = iota
	MoveAndAlign
)

// MoveCommand is the tagged variant the motion controller consumes.
type MoveCommand struct {
	Kind               MoveKind
	TargetPosition     vec2.V
	TargetOrientation  vec2.V
}

// NewStop builds the Stop variant.
func NewStop() MoveCommand { return MoveCommand{Kind: Stop} }

// NewMoveAndAlign builds the MoveAndAlign variant.
func NewMoveAndAlign(targetPosition, targetOrientation vec2.V) MoveCommand {
	return MoveCommand{Kind: MoveAndAlign, TargetPosition: targetPosition, TargetOrientation: targetOrientation}
}

// Board is the behaviour tree's blackboard: the latest perception snapshot plus the
// topics a tree leaf publishes to. It carries no decision-making logic of its own.
type Board struct {
	Perception PerceptionMessage

	// lastNGoals lets tree leaves detect a goal event (NGoals advancing) without
	// duplicating bookkeeping in every leaf.
	lastNGoals uint32

	MoveTopic  *bus.Topic[MoveCommand]
	KickTopic  *bus.Topic[bool]
	ResetTopic *bus.Topic[bool]
}

// New constructs a blackboard wired to freshly-created publish topics.
func New() *Board {
	return &Board{
		MoveTopic:  bus.NewTopic[MoveCommand](4),
		KickTopic:  bus.NewTopic[bool](4),
		ResetTopic: bus.NewTopic[bool](4),
	}
}

// Observe records a new perception snapshot and reports whether it represents a goal
// event (NGoals advanced since the last observation).
func (b *Board) Observe(msg PerceptionMessage) (goalEvent bool) {
	goalEvent = msg.NGoals > b.lastNGoals
	b.lastNGoals = msg.NGoals
	b.Perception = msg
	return goalEvent
}

// Move publishes a move command for the motion controller.
func (b *Board) Move(cmd MoveCommand) { b.MoveTopic.Publish(cmd) }

// Kick publishes a kicker pulse.
func (b *Board) Kick(fire bool) { b.KickTopic.Publish(fire) }

// ResetSim requests a scene reset via the manager.
func (b *Board) ResetSim() { b.ResetTopic.Publish(true) }
