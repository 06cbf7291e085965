package watcher

import (
	"testing"

	"github.com/dmu1981/botfabric/genepool"
)

func TestMaxGenerationIsMaxNotLength(t *testing.T) {
	// REDESIGN FLAG (§9): max_generation must be max(generation), never len(genes).
	genes := []*genepool.Genome{
		{Generation: 50},
		{Generation: 3},
	}
	if got := maxGeneration(genes); got != 50 {
		t.Fatalf("expected max generation 50 (not list length %d), got %d", len(genes), got)
	}
}

func TestMaxGenerationEmptyList(t *testing.T) {
	if got := maxGeneration(nil); got != 0 {
		t.Fatalf("expected 0 for an empty gene list, got %d", got)
	}
}
