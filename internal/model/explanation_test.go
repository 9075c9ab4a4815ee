package model

import (
	"math"
	"testing"
)

func TestPredictionDelta(t *testing.T) {
	cases := []struct {
		name     string
		original float64
		new      float64
		want     float64
	}{
		{"same sign shrinking", 2.0, 0.5, 1.5},
		{"same sign growing", 2.0, 3.0, -1.0},
		{"sign flip", 2.0, -0.5, 2.5},
		{"negative original flip", -1.5, 0.5, 2.0},
		{"no change", 1.0, 1.0, 0.0},
	}
	for _, tc := range cases {
		if got := PredictionDelta(tc.original, tc.new); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s: PredictionDelta(%v, %v) = %v, want %v", tc.name, tc.original, tc.new, got, tc.want)
		}
	}
}

func TestImportances(t *testing.T) {
	e := &Explanation{
		Importances: []float64{0.5, 1.5, 2.0},
	}
	abs := e.AbsoluteImportances()
	want := []float64{0.5, 1.0, 0.5}
	for i := range want {
		if math.Abs(abs[i]-want[i]) > 1e-12 {
			t.Fatalf("absolute importance %d = %v, want %v", i, abs[i], want[i])
		}
	}

	rel := e.RelativeImportances()
	wantRel := []float64{0.25, 0.5, 0.25}
	for i := range wantRel {
		if math.Abs(rel[i]-wantRel[i]) > 1e-12 {
			t.Fatalf("relative importance %d = %v, want %v", i, rel[i], wantRel[i])
		}
	}
}

func TestRelativeImportancesEmpty(t *testing.T) {
	e := &Explanation{}
	if e.RelativeImportances() != nil {
		t.Fatal("expected nil relative importances for empty explanation")
	}
	e = &Explanation{Importances: []float64{0}}
	if e.RelativeImportances() != nil {
		t.Fatal("expected nil relative importances when total delta is zero")
	}
}

func TestProbability(t *testing.T) {
	e := &Explanation{BestScore: 0}
	if got := e.Probability(); math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("sigmoid(0) = %v, want 0.5", got)
	}
	e.BestScore = 4
	if got := e.Probability(); got <= 0.9 {
		t.Fatalf("sigmoid(4) = %v, expected > 0.9", got)
	}
}
