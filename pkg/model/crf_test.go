package model

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// emissions builds a sequence of emission vectors from per-position rows.
func emissions(rows ...[]float64) []*mat.VecDense {
	out := make([]*mat.VecDense, len(rows))
	for i, r := range rows {
		out[i] = mat.NewVecDense(len(r), r)
	}
	return out
}

func TestCRFDecodeExcludesSentinels(t *testing.T) {
	// 5 tags: 0=unk, 1..2 real, 3=start, 4=stop.
	c := newCRF(5, 3, 4, rand.New(rand.NewSource(1)))
	path := c.decode(emissions(
		[]float64{0, 1, 2, 9, 9},
		[]float64{0, 2, 1, 9, 9},
		[]float64{0, 1, 1, 9, 9},
	))
	if len(path) != 3 {
		t.Fatalf("path length %d, want 3", len(path))
	}
	for i, tag := range path {
		if tag == 3 || tag == 4 {
			t.Fatalf("position %d decoded sentinel tag %d", i, tag)
		}
	}
}

func TestCRFLossDecreasesUnderSGD(t *testing.T) {
	c := newCRF(5, 3, 4, rand.New(rand.NewSource(1)))
	em := emissions(
		[]float64{0, 1, 0, 0, 0},
		[]float64{0, 0, 1, 0, 0},
	)
	gold := []int{1, 2}

	first, _ := c.loss(em, gold)
	for i := 0; i < 50; i++ {
		c.loss(em, gold)
		sgdStep(c.params(), 0.1)
	}
	c.gtrans.Zero()
	last, _ := c.loss(em, gold)
	if !(last < first) {
		t.Fatalf("loss did not decrease: first %f, last %f", first, last)
	}
	if math.IsNaN(last) || math.IsInf(last, 0) {
		t.Fatalf("loss is not finite: %f", last)
	}
	if got := c.decode(em); got[0] != 1 || got[1] != 2 {
		t.Fatalf("decode after training: %v, want [1 2]", got)
	}
}

func TestCRFEmissionGradientShape(t *testing.T) {
	c := newCRF(5, 3, 4, rand.New(rand.NewSource(2)))
	em := emissions(
		[]float64{0, 1, 0, 0, 0},
		[]float64{0, 0, 1, 0, 0},
		[]float64{1, 0, 0, 0, 0},
	)
	_, de := c.loss(em, []int{1, 2, 0})
	if len(de) != 3 {
		t.Fatalf("gradient count %d, want 3", len(de))
	}
	for pos, g := range de {
		if g.Len() != 5 {
			t.Fatalf("position %d gradient length %d, want 5", pos, g.Len())
		}
		// Marginals minus gold indicator sum to zero per position.
		sum := 0.0
		for i := 0; i < g.Len(); i++ {
			sum += g.AtVec(i)
		}
		if math.Abs(sum) > 1e-9 {
			t.Fatalf("position %d gradient sums to %g, want 0", pos, sum)
		}
	}
}
