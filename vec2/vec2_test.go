package vec2

import (
	"math"
	"testing"
)

func TestNormalizeIsUnitLength(t *testing.T) {
	v := V{3, 4}
	n := v.Normalize()
	if math.Abs(float64(n.Magnitude()-1)) > 1e-5 {
		t.Fatalf("expected unit magnitude, got %v", n.Magnitude())
	}
}

func TestNormalizeZeroIsNaN(t *testing.T) {
	n := V{}.Normalize()
	if !math.IsNaN(float64(n.X)) || !math.IsNaN(float64(n.Y)) {
		t.Fatalf("expected NaN sentinel for zero-magnitude input, got %v", n)
	}
}

func TestDotAndMagnitude(t *testing.T) {
	a := V{1, 0}
	b := V{0, 1}
	if a.Dot(b) != 0 {
		t.Fatalf("expected orthogonal vectors to have zero dot product")
	}
	if (V{3, 4}).Magnitude() != 5 {
		t.Fatalf("expected 3-4-5 triangle magnitude")
	}
}

func TestLerp(t *testing.T) {
	a := V{0, 0}
	b := V{10, 20}
	mid := a.Lerp(b, 0.5)
	if mid != (V{5, 10}) {
		t.Fatalf("expected midpoint, got %v", mid)
	}
}

func TestClamp(t *testing.T) {
	if Clamp(5, 0, 1) != 1 {
		t.Fatalf("expected clamp to cap at hi")
	}
	if Clamp(-5, 0, 1) != 0 {
		t.Fatalf("expected clamp to floor at lo")
	}
	if Clamp(0.5, 0, 1) != 0.5 {
		t.Fatalf("expected clamp to pass through in-range values")
	}
}
