// Package watcher implements the replay mode (§4.I): it downloads the best known
// genomes, plays the current generation for visualization, and lets an operator switch
// generations via the simulator's /generation endpoint.
package watcher

import (
	"context"
	"time"

	"github.com/coder/quartz"
	channerics "github.com/niceyeti/channerics/channels"

	"github.com/dmu1981/botfabric/blackboard"
	"github.com/dmu1981/botfabric/bus"
	"github.com/dmu1981/botfabric/genepool"
	"github.com/dmu1981/botfabric/node"
	"github.com/dmu1981/botfabric/simclient"
	"github.com/dmu1981/botfabric/telemetry"
	"github.com/dmu1981/botfabric/training"
	"github.com/dmu1981/botfabric/vec2"
)

const (
	pollBestPeriod       = 15 * time.Second
	pollGenerationPeriod = 100 * time.Millisecond
	rotateWithoutGoal    = 8 * time.Second
)

type generationWire struct {
	Generation uint32 `json:"generation"`
}

type watcherStatus struct {
	Experiment    string  `json:"experiment"`
	Generation    uint32  `json:"generation"`
	MaxGeneration uint32  `json:"max_generation"`
	Score         float32 `json:"score"`
}

type watcherState struct {
	genes              []*genepool.Genome
	currentGeneration  uint32
	previousMax        uint32
	active             *genepool.Genome
	lastGoalAt         time.Time
	lastNGoals         uint32
	haveNGoals         bool
	activeScoreSamples float32
	activeSampleCount  int
}

// Controller is the watcher node.
type Controller struct {
	n      *node.Node[watcherState]
	pool   genepool.Pool
	decode genepool.NetDecoder
	client *simclient.Client
	clock  quartz.Clock
	board  *blackboard.Board

	BestTopic       *bus.Topic[[]*genepool.Genome]
	GenerationTopic *bus.Topic[uint32]

	// StatusTopic mirrors training.Controller's StatusTopic for the ambient telemetry
	// dashboard (SPEC_FULL.md §4.K): the replayed genome's running score.
	StatusTopic *bus.Topic[telemetry.Status]

	PerceptionTopic *bus.Topic[blackboard.PerceptionMessage]
	perceptionRx    <-chan blackboard.PerceptionMessage
	bestRx          <-chan []*genepool.Genome
	generationRx    <-chan uint32
}

// New constructs the watcher against a gene pool and the simulator it replays into.
func New(
	board *blackboard.Board,
	pool genepool.Pool,
	decode genepool.NetDecoder,
	simURL string,
	clock quartz.Clock,
	perceptionTopic *bus.Topic[blackboard.PerceptionMessage],
	drop *bus.Topic[struct{}],
) *Controller {
	return &Controller{
		n:               node.New("watcher", drop, &watcherState{}),
		pool:            pool,
		decode:          decode,
		client:          simclient.New(simURL),
		clock:           clock,
		board:           board,
		BestTopic:       bus.NewTopic[[]*genepool.Genome](1),
		GenerationTopic: bus.NewTopic[uint32](1),
		StatusTopic:     bus.NewTopic[telemetry.Status](4),
		PerceptionTopic: perceptionTopic,
	}
}

func (c *Controller) Init(ctx context.Context) []node.Handle { return nil }

// Run spawns the two background pollers plus the main perception-driven tick. The
// pollers are built directly on the teacher's channerics ticker idiom
// (server.go's publishEleUpdates pinger), rather than the node fabric's own Interval
// primitive, since they don't need per-node state locking — only a cancellable tick.
func (c *Controller) Run(ctx context.Context) []node.Handle {
	pollBest := make(chan error, 1)
	go func() {
		for range channerics.NewTicker(ctx.Done(), pollBestPeriod) {
			genomes, err := c.pool.PollBest(ctx)
			if err != nil {
				c.n.Log().Warn("poll_best failed", "error", err)
				continue
			}
			genepool.SortByGenerationDescending(genomes)
			c.BestTopic.Publish(genomes)
		}
		pollBest <- nil
	}()

	pollGeneration := make(chan error, 1)
	go func() {
		for range channerics.NewTicker(ctx.Done(), pollGenerationPeriod) {
			var wire generationWire
			if err := c.client.GetJSON(ctx, "/generation", &wire); err != nil {
				c.n.Log().Warn("generation poll failed", "error", err)
				continue
			}
			c.GenerationTopic.Publish(wire.Generation)
		}
		pollGeneration <- nil
	}()

	c.bestRx = c.BestTopic.Subscribe()
	best := node.Subscribe(c.n, ctx, c.bestRx, func(ctx context.Context, genomes []*genepool.Genome, s *watcherState) (node.Outcome, error) {
		s.genes = genomes
		newMax := maxGeneration(genomes)
		if s.currentGeneration == s.previousMax {
			c.switchTo(s, newMax)
		}
		s.previousMax = newMax
		return node.ResultNext, nil
	})

	c.generationRx = c.GenerationTopic.Subscribe()
	generation := node.Subscribe(c.n, ctx, c.generationRx, func(ctx context.Context, gen uint32, s *watcherState) (node.Outcome, error) {
		c.switchTo(s, gen)
		return node.ResultNext, nil
	})

	c.perceptionRx = c.PerceptionTopic.Subscribe()
	tick := node.Subscribe(c.n, ctx, c.perceptionRx, func(ctx context.Context, msg blackboard.PerceptionMessage, s *watcherState) (node.Outcome, error) {
		goalEvent := c.board.Observe(msg)
		c.replayTick(ctx, s, goalEvent)
		return node.ResultNext, nil
	})

	return []node.Handle{pollBest, pollGeneration, best, generation, tick}
}

func (c *Controller) Stop(ctx context.Context) []node.Handle {
	if c.bestRx != nil {
		c.BestTopic.Unsubscribe(c.bestRx)
	}
	if c.generationRx != nil {
		c.GenerationTopic.Unsubscribe(c.generationRx)
	}
	if c.perceptionRx != nil {
		c.PerceptionTopic.Unsubscribe(c.perceptionRx)
	}
	return nil
}

// maxGeneration is always the maximum generation present, never the list length (the
// REDESIGN FLAG applied per §9).
func maxGeneration(genes []*genepool.Genome) uint32 {
	var max uint32
	for _, g := range genes {
		if g.Generation > max {
			max = g.Generation
		}
	}
	return max
}

func (c *Controller) switchTo(s *watcherState, generation uint32) {
	for _, g := range s.genes {
		if g.Generation == generation {
			s.active = g
			s.currentGeneration = generation
			s.lastGoalAt = c.clock.Now()
			s.activeScoreSamples = 0
			s.activeSampleCount = 0
			c.board.ResetSim()
			return
		}
	}
}

func (c *Controller) replayTick(ctx context.Context, s *watcherState, goalEvent bool) {
	if s.active == nil {
		return
	}

	if goalEvent {
		s.lastGoalAt = c.clock.Now()
	} else if c.clock.Now().Sub(s.lastGoalAt) > rotateWithoutGoal {
		c.rotate(s)
	}

	ball := valueOr(c.board.Perception.Ball.Position)
	targetGoal := valueOr(c.board.Perception.TargetGoal.Position)

	dot := ball.Normalize().Dot(targetGoal.Normalize())
	input := [7]float32{ball.X, ball.Y, targetGoal.X, targetGoal.Y, ball.Magnitude(), targetGoal.Magnitude(), dot}
	out := s.active.Net.Forward(input)

	targetPosition := vec2.V{X: 10 * out[0], Y: 10 * out[1]}
	orient := (vec2.V{X: out[2], Y: out[3]}).Normalize()
	finalHeading := targetGoal.Normalize().Lerp(orient, training.RotationMix(s.active.Generation))
	c.board.Move(blackboard.NewMoveAndAlign(targetPosition, finalHeading))

	s.activeScoreSamples += -ball.Sub(targetGoal).Magnitude()
	s.activeSampleCount++

	score := float32(0)
	if s.activeSampleCount > 0 {
		score = s.activeScoreSamples / float32(s.activeSampleCount)
	}

	status := watcherStatus{
		Experiment:    s.active.Experiment.String(),
		Generation:    s.currentGeneration,
		MaxGeneration: s.previousMax,
		Score:         score,
	}
	if err := c.client.PostJSON(ctx, "/watcher", status); err != nil {
		c.n.Log().Warn("post watcher status failed", "error", err)
	}

	c.StatusTopic.Publish(telemetry.Status{
		Generation: s.currentGeneration,
		Score:      score,
	})
}

func (c *Controller) rotate(s *watcherState) {
	if len(s.genes) == 0 {
		return
	}
	idx := 0
	for i, g := range s.genes {
		if g == s.active {
			idx = i
			break
		}
	}
	next := s.genes[(idx+1)%len(s.genes)]
	c.switchTo(s, next.Generation)
}

func valueOr(v *vec2.V) vec2.V {
	if v == nil {
		return vec2.V{}
	}
	return *v
}
