// Package training implements the BotNet evaluator (§4.H): the state machine that
// drives one genome through one or more timed rounds, scores it, and acknowledges it
// back to the gene pool. This is the hardest and largest leaf in the system.
package training

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/coder/quartz"

	"github.com/dmu1981/botfabric/behavior"
	"github.com/dmu1981/botfabric/blackboard"
	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/genepool"
	"github.com/dmu1981/botfabric/jsonlog"
	"github.com/dmu1981/botfabric/node"
	"github.com/dmu1981/botfabric/telemetry"
	"github.com/dmu1981/botfabric/vec2"
)

const delayTicks = 4
const maxGoalsPerRound = 5

type phase int

const (
	phaseIdle phase = iota
	phaseDelay
	phaseRunning
)

// logRecord is one line of the per-genome "log" file (§6: "Log files").
type logRecord struct {
	Generation uint32  `json:"generation"`
	BallScore  float32 `json:"ball_score"`
	GoalScore  float32 `json:"goal_score"`
	DotScore   float32 `json:"dot_score"`
	Score      float32 `json:"score"`
	Goals      uint32  `json:"goals"`
	Experiment string  `json:"experiment"`
	Node       string  `json:"node"`
	Bot        string  `json:"bot"`
	Truncated  bool    `json:"truncated,omitempty"`
}

// sampleRecord is one line of "log2": a position sample backfilled with the round's
// final score and goal count once the round closes.
type sampleRecord struct {
	Generation uint32  `json:"generation"`
	BallX      float32 `json:"ball_x"`
	BallY      float32 `json:"ball_y"`
	GoalX      float32 `json:"goal_x"`
	GoalY      float32 `json:"goal_y"`
	Score      float32 `json:"score"`
	Goals      uint32  `json:"goals"`
}

type trainingState struct {
	phase       phase
	delayTicker int

	genome *genepool.Genome
	toAck  *genepool.Genome

	numberRuns int
	roundTimer float32
	rotationR  float32
	run        int

	roundStart time.Time

	ballDistStart, goalDistStart float32
	ballScore, goalScore, dotScore float32
	scoreCounter    int
	maxGoalDistance float32
	scoreSoFar      float32
	goalsThisRound  uint32

	samples []sampleRecord

	pendingGoalEvent bool
}

// Controller is the training driver node.
type Controller struct {
	n      *node.Node[trainingState]
	pool   genepool.Pool
	decode genepool.NetDecoder
	clock  quartz.Clock
	board  *blackboard.Board

	log1, log2 *jsonlog.Writer

	PerceptionTopic *bus.Topic[blackboard.PerceptionMessage]
	perceptionRx    <-chan blackboard.PerceptionMessage

	// StatusTopic carries the running score of the genome currently under evaluation,
	// for the ambient telemetry dashboard (SPEC_FULL.md §4.K); nothing in the control
	// loop itself consumes it.
	StatusTopic *bus.Topic[telemetry.Status]

	root behavior.Node[Controller]
}

// New constructs the training driver.
func New(
	board *blackboard.Board,
	pool genepool.Pool,
	decode genepool.NetDecoder,
	clock quartz.Clock,
	perceptionTopic *bus.Topic[blackboard.PerceptionMessage],
	log1, log2 *jsonlog.Writer,
	drop *bus.Topic[struct{}],
) *Controller {
	c := &Controller{
		n:               node.New("training", drop, &trainingState{}),
		pool:            pool,
		decode:          decode,
		clock:           clock,
		board:           board,
		log1:            log1,
		log2:            log2,
		PerceptionTopic: perceptionTopic,
		StatusTopic:     bus.NewTopic[telemetry.Status](4),
	}
	c.root = behavior.NewAction(func(ctrl *Controller) behavior.Result {
		return ctrl.tick()
	})
	return c
}

func (c *Controller) Init(ctx context.Context) []node.Handle { return nil }

// Run subscribes to perception snapshots; each one drives exactly one tick of the
// state machine.
func (c *Controller) Run(ctx context.Context) []node.Handle {
	c.perceptionRx = c.PerceptionTopic.Subscribe()

	h := node.Subscribe(c.n, ctx, c.perceptionRx, func(ctx context.Context, msg blackboard.PerceptionMessage, s *trainingState) (node.Outcome, error) {
		goalEvent := c.board.Observe(msg)
		if err := c.safeTick(goalEvent); err != nil {
			return node.Outcome{}, err
		}
		return node.ResultNext, nil
	})
	return []node.Handle{h}
}

func (c *Controller) safeTick(goalEvent bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var orphan string
			c.n.State(func(s *trainingState) {
				if s.toAck != nil {
					orphan = s.toAck.Experiment.String()
				}
			})
			c.n.Log().Error("panic mid-round", "panic", r, "orphaned_experiment", orphan)
			err = node.Wrapf(fmt.Errorf("%v", r), "panic in training tick")
		}
	}()

	c.n.State(func(s *trainingState) {
		s.pendingGoalEvent = goalEvent
	})
	c.root.Tick(c)
	return nil
}

// Stop acknowledges any in-flight genome with its partial score rather than orphaning
// it, per the resolved open question on clean shutdown (§9).
func (c *Controller) Stop(ctx context.Context) []node.Handle {
	if c.perceptionRx != nil {
		c.PerceptionTopic.Unsubscribe(c.perceptionRx)
	}

	h := c.n.Once(ctx, func(ctx context.Context, s *trainingState) error {
		if s.toAck == nil {
			return nil
		}
		partial := float32(0)
		if s.run > 0 {
			partial = s.scoreSoFar / float32(s.run)
		}
		c.n.Log().Warn("acknowledging genome with partial score on shutdown",
			"experiment", s.toAck.Experiment, "partial_score", partial)
		if err := c.log1.Append(logRecord{
			Generation: s.toAck.Generation,
			BallScore:  s.ballScore,
			GoalScore:  s.goalScore,
			DotScore:   s.dotScore,
			Score:      partial,
			Goals:      s.goalsThisRound,
			Experiment: s.toAck.Experiment.String(),
			Node:       c.n.Name(),
			Truncated:  true,
		}); err != nil {
			c.n.Log().Error("log truncated record", "error", err)
		}
		err := c.pool.AckOne(ctx, s.toAck, partial)
		s.toAck = nil
		return err
	})
	return []node.Handle{h}
}

func deriveParams(g uint32) (numberRuns int, roundTimer float32, r float32) {
	numberRuns = 1
	g10 := g % 10
	if g10 == 6 || g10 == 7 {
		numberRuns = 2
	}
	if g10 == 8 || g10 == 9 {
		numberRuns = 3
	}
	if g <= 20 {
		numberRuns = 1
	}
	if g >= 100 {
		numberRuns = 4
	}

	roundTimer = float32(math.Min(6.0, 3.0+float64(g)/20.0))

	return numberRuns, roundTimer, RotationMix(g)
}

// RotationMix computes the generation-derived rotation-mix ratio r (§4.H) used to blend
// a genome's raw output heading with the straight-at-target-goal heading. Exported so
// the watcher's replay (§4.I, "Forward-pass logic reuses §4.H's... orientation lerp")
// can reproduce the exact blending a genome experienced during training instead of
// always replaying it with r=0.
func RotationMix(g uint32) float32 {
	if g <= 9 {
		return 0
	}
	return vec2.Clamp((float32(g)-10)/10*0.05, 0.05, 0.3)
}

// tick runs one state-machine step and returns a behaviour-tree Result describing
// whether a genome is actively being evaluated (Pending) or the driver is waiting on
// the pool (Failure is never returned; an idle driver reports Success, matching a
// no-op leaf).
func (c *Controller) tick() behavior.Result {
	var result behavior.Result

	c.n.State(func(s *trainingState) {
		ctx := context.Background()

		switch s.phase {
		case phaseIdle:
			g, err := c.pool.PollOne(ctx)
			if err != nil {
				result = behavior.Success
				return
			}
			s.genome = g
			s.toAck = g
			s.numberRuns, s.roundTimer, s.rotationR = deriveParams(g.Generation)
			s.run = 0
			s.scoreSoFar = 0
			s.delayTicker = delayTicks
			s.phase = phaseDelay
			result = behavior.Pending
			return

		case phaseDelay:
			s.delayTicker--
			if s.delayTicker > 0 {
				result = behavior.Pending
				return
			}
			c.takeBaseline(s)
			s.phase = phaseRunning
			result = c.runningTick(s)
			return

		case phaseRunning:
			if s.pendingGoalEvent && s.goalsThisRound < maxGoalsPerRound {
				s.goalsThisRound++
				s.roundStart = c.clock.Now()
				c.n.Log().Info("goal scored mid-round", "goals", s.goalsThisRound)
			}
			result = c.runningTick(s)
			return
		}
	})

	return result
}

func (c *Controller) takeBaseline(s *trainingState) {
	ball := valueOr(c.board.Perception.Ball.Position)
	targetGoal := valueOr(c.board.Perception.TargetGoal.Position)

	s.ballDistStart = ball.Magnitude()
	s.goalDistStart = ball.Sub(targetGoal).Magnitude()
	s.ballScore = s.ballDistStart
	s.goalScore = s.goalDistStart
	s.dotScore = -1
	s.scoreCounter = 0
	s.maxGoalDistance = 0
	s.goalsThisRound = 0
	s.samples = nil
	s.roundStart = c.clock.Now()
}

// runningTick performs one per-tick scoring step and, once the round timer has
// elapsed, finalises the round.
func (c *Controller) runningTick(s *trainingState) behavior.Result {
	ball := valueOr(c.board.Perception.Ball.Position)
	targetGoal := valueOr(c.board.Perception.TargetGoal.Position)

	dot := ball.Normalize().Dot(targetGoal.Normalize())

	s.ballScore += ball.Magnitude()
	goalDist := ball.Sub(targetGoal).Magnitude()
	s.goalScore += goalDist
	s.dotScore += dot
	s.scoreCounter++
	if goalDist > s.maxGoalDistance {
		s.maxGoalDistance = goalDist
	}

	input := [7]float32{ball.X, ball.Y, targetGoal.X, targetGoal.Y, ball.Magnitude(), targetGoal.Magnitude(), dot}
	out := s.genome.Net.Forward(input)

	targetPosition := vec2.V{X: 10 * out[0], Y: 10 * out[1]}
	orient := (vec2.V{X: out[2], Y: out[3]}).Normalize()
	finalHeading := targetGoal.Normalize().Lerp(orient, s.rotationR)

	c.board.Move(blackboard.NewMoveAndAlign(targetPosition, finalHeading))

	fire := vec2.Abs(ball.X) < 0.2 && vec2.Abs(ball.Y-1.2) < 0.2 && targetGoal.Magnitude() < 15
	c.board.Kick(fire)

	s.samples = append(s.samples, sampleRecord{
		Generation: s.genome.Generation,
		BallX:      ball.X,
		BallY:      ball.Y,
		GoalX:      targetGoal.X,
		GoalY:      targetGoal.Y,
	})

	elapsed := float32(c.clock.Now().Sub(s.roundStart).Seconds())
	if elapsed < s.roundTimer {
		return behavior.Pending
	}

	c.finalizeRound(s)
	return behavior.Success
}

func (c *Controller) finalizeRound(s *trainingState) {
	ballTerm := 50 * max32(((s.ballScore/float32(s.scoreCounter))/s.ballDistStart-0.2)/0.8, 0)
	goalTerm := 400 * float32(math.Pow(float64(max32((s.goalScore/float32(s.scoreCounter))/s.goalDistStart, 0)), 1.5))
	dotTerm := 50 * (1 - s.dotScore/float32(s.scoreCounter)) / 2
	score := max32(ballTerm+goalTerm+dotTerm, 0) / float32(1+s.goalsThisRound)

	for i := range s.samples {
		s.samples[i].Score = score
		s.samples[i].Goals = s.goalsThisRound
	}
	for _, rec := range s.samples {
		if err := c.log2.Append(rec); err != nil {
			c.n.Log().Error("log2 append", "error", err)
		}
	}

	s.scoreSoFar += score
	s.run++

	c.StatusTopic.Publish(telemetry.Status{
		Generation: s.genome.Generation,
		Score:      s.scoreSoFar / float32(s.run),
		Run:        s.run,
		NumberRuns: s.numberRuns,
	})

	if s.run < s.numberRuns {
		c.board.ResetSim()
		s.delayTicker = delayTicks
		s.phase = phaseDelay
		return
	}

	fitness := s.scoreSoFar / float32(s.run)
	experiment := s.toAck.Experiment

	if err := c.log1.Append(logRecord{
		Generation: s.genome.Generation,
		BallScore:  s.ballScore,
		GoalScore:  s.goalScore,
		DotScore:   s.dotScore,
		Score:      score,
		Goals:      s.goalsThisRound,
		Experiment: experiment.String(),
		Node:       c.n.Name(),
	}); err != nil {
		c.n.Log().Error("log append", "error", err)
	}

	ctx := context.Background()
	if err := c.pool.AckOne(ctx, s.toAck, fitness); err != nil {
		c.n.Log().Error("ack_one failed", "error", err, "experiment", experiment)
	}
	s.toAck = nil
	s.genome = nil
	s.phase = phaseIdle
}

func valueOr(v *vec2.V) vec2.V {
	if v == nil {
		return vec2.V{}
	}
	return *v
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
