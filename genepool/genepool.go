// Package genepool is the client-side interface to the evolutionary genome pool — an
// external service, out of scope per §1, exposing poll_one/ack_one/poll_best over an
// opaque transport. This package defines the Go-side contract plus an HTTP-backed
// implementation and a deterministic in-memory fake used by the training tests.
package genepool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dmu1981/botfabric/botnet"
	"github.com/dmu1981/botfabric/simclient"
)

// SortOrder selects how PollBest should be interpreted to rank candidates.
type SortOrder int

const (
	// LessIsBetter is the pool's default: lower fitness values are better (§3).
	LessIsBetter SortOrder = iota
	MoreIsBetter
)

// Genome is one evolved controller plus its pool-side metadata.
type Genome struct {
	Net        botnet.Net
	Experiment uuid.UUID
	Generation uint32
	Fitness    *float32
}

// NetDecoder turns the pool's opaque per-genome payload bytes into a usable Net. The
// forward-pass representation itself is out of scope (§1); this is the single seam
// through which callers plug in whatever genome encoding the real pool uses.
type NetDecoder func(raw json.RawMessage) (botnet.Net, error)

// Pool is the contract this module depends on; poll_one, ack_one and poll_best exactly
// as named in §6.
type Pool interface {
	PollOne(ctx context.Context) (*Genome, error)
	AckOne(ctx context.Context, g *Genome, fitness float32) error
	PollBest(ctx context.Context) ([]*Genome, error)
}

type wireGenome struct {
	Payload struct {
		Botnet     json.RawMessage `json:"botnet"`
		Experiment string          `json:"experiment"`
	} `json:"payload"`
	Generation uint32   `json:"generation"`
	Fitness    *float32 `json:"fitness"`
}

func (w wireGenome) decode(decode NetDecoder) (*Genome, error) {
	net, err := decode(w.Payload.Botnet)
	if err != nil {
		return nil, fmt.Errorf("decode botnet payload: %w", err)
	}
	experiment, err := uuid.Parse(w.Payload.Experiment)
	if err != nil {
		return nil, fmt.Errorf("parse experiment uuid %q: %w", w.Payload.Experiment, err)
	}
	return &Genome{
		Net:        net,
		Experiment: experiment,
		Generation: w.Generation,
		Fitness:    w.Fitness,
	}, nil
}

// HTTPPool is the REST-backed Pool implementation.
type HTTPPool struct {
	client    *simclient.Client
	capacity  int
	sortOrder SortOrder
	decode    NetDecoder
}

// NewHTTPPool constructs a pool client per the §6 construction contract:
// (capacity, sort_order=LessIsBetter, url).
func NewHTTPPool(url string, capacity int, sortOrder SortOrder, decode NetDecoder) *HTTPPool {
	return &HTTPPool{
		client:    simclient.NewWithTimeout(url, simclient.DefaultTimeout*2),
		capacity:  capacity,
		sortOrder: sortOrder,
		decode:    decode,
	}
}

func (p *HTTPPool) PollOne(ctx context.Context) (*Genome, error) {
	var wire wireGenome
	path := fmt.Sprintf("/poll_one?capacity=%d&sort=%d", p.capacity, p.sortOrder)
	if err := p.client.GetJSON(ctx, path, &wire); err != nil {
		return nil, fmt.Errorf("poll_one: %w", err)
	}
	return wire.decode(p.decode)
}

type ackRequest struct {
	Experiment string   `json:"experiment"`
	Generation uint32   `json:"generation"`
	Fitness    float32  `json:"fitness"`
}

func (p *HTTPPool) AckOne(ctx context.Context, g *Genome, fitness float32) error {
	req := ackRequest{
		Experiment: g.Experiment.String(),
		Generation: g.Generation,
		Fitness:    fitness,
	}
	if err := p.client.PostJSON(ctx, "/ack_one", req); err != nil {
		return fmt.Errorf("ack_one: %w", err)
	}
	return nil
}

func (p *HTTPPool) PollBest(ctx context.Context) ([]*Genome, error) {
	var wire []wireGenome
	if err := p.client.GetJSON(ctx, "/poll_best", &wire); err != nil {
		return nil, fmt.Errorf("poll_best: %w", err)
	}

	genomes := make([]*Genome, 0, len(wire))
	for _, w := range wire {
		g, err := w.decode(p.decode)
		if err != nil {
			return nil, err
		}
		genomes = append(genomes, g)
	}
	return genomes, nil
}

// SortByGenerationDescending sorts in place, newest generation first — the ordering
// §4.I's watcher relies on.
func SortByGenerationDescending(genomes []*Genome) {
	sort.Slice(genomes, func(i, j int) bool {
		return genomes[i].Generation > genomes[j].Generation
	})
}

// Fake is an in-memory Pool for tests: a fixed queue of genomes to hand out via
// PollOne (FIFO) and a record of every Ack received.
type Fake struct {
	mu      sync.Mutex
	queue   []*Genome
	best    []*Genome
	Acked   []AckRecord
	ErrNext error // if set, the next PollOne call returns this error instead
}

// AckRecord captures one AckOne call for test assertions.
type AckRecord struct {
	Genome  *Genome
	Fitness float32
}

func NewFake(queue []*Genome, best []*Genome) *Fake {
	return &Fake{queue: queue, best: best}
}

func (f *Fake) PollOne(ctx context.Context) (*Genome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ErrNext != nil {
		err := f.ErrNext
		f.ErrNext = nil
		return nil, err
	}
	if len(f.queue) == 0 {
		return nil, fmt.Errorf("genepool: no genomes queued")
	}
	g := f.queue[0]
	f.queue = f.queue[1:]
	return g, nil
}

func (f *Fake) AckOne(ctx context.Context, g *Genome, fitness float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Acked = append(f.Acked, AckRecord{Genome: g, Fitness: fitness})
	return nil
}

func (f *Fake) PollBest(ctx context.Context) ([]*Genome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Genome(nil), f.best...), nil
}

// Enqueue adds genomes to the fake's PollOne queue, for tests that need to hand out a
// new candidate mid-run.
func (f *Fake) Enqueue(genomes ...*Genome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, genomes...)
}
