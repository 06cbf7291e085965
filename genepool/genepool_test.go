package genepool

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/dmu1981/botfabric/botnet"
)

func TestFakePollOneAndAck(t *testing.T) {
	g1 := &Genome{Net: botnet.Linear{}, Experiment: uuid.New(), Generation: 3}
	fake := NewFake([]*Genome{g1}, nil)

	got, err := fake.PollOne(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != g1 {
		t.Fatalf("expected the queued genome back")
	}

	if err := fake.AckOne(context.Background(), got, 42.0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.Acked) != 1 || fake.Acked[0].Fitness != 42.0 {
		t.Fatalf("expected one ack recorded with fitness 42.0, got %v", fake.Acked)
	}
}

func TestFakePollOneEmptyQueueErrors(t *testing.T) {
	fake := NewFake(nil, nil)
	if _, err := fake.PollOne(context.Background()); err == nil {
		t.Fatal("expected an error when the queue is empty")
	}
}

func TestSortByGenerationDescending(t *testing.T) {
	genomes := []*Genome{
		{Generation: 3},
		{Generation: 10},
		{Generation: 1},
	}
	SortByGenerationDescending(genomes)

	want := []uint32{10, 3, 1}
	for i, g := range genomes {
		if g.Generation != want[i] {
			t.Fatalf("expected sorted order %v, got generations %d,%d,%d", want, genomes[0].Generation, genomes[1].Generation, genomes[2].Generation)
		}
	}
}
