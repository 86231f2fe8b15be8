package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// crf is a linear-chain conditional random field over a tag dictionary
// that carries start/stop sentinels. trans.At(i, j) is the learned score
// of transitioning from tag i to tag j.
//
// The loss is the negative log-likelihood of the gold sequence under the
// globally normalized distribution; gradients come from forward-backward
// marginals. Decoding is Viterbi over an explicit (position, tag) score
// table that is reused across sentences.
type crf struct {
	size        int
	start, stop int
	tags        []int // real tags: all indices except start/stop
	emit        []int // emittable tags: real tags minus the unknown sentinel

	trans  *mat.Dense
	gtrans *mat.Dense

	// scratch tables, grown on demand and reused per sentence
	score [][]float64
	back  [][]int
}

func newCRF(size, start, stop int, rng *rand.Rand) *crf {
	c := &crf{
		size:   size,
		start:  start,
		stop:   stop,
		trans:  mat.NewDense(size, size, nil),
		gtrans: mat.NewDense(size, size, nil),
	}
	for i := 0; i < size; i++ {
		if i != c.start && i != c.stop {
			c.tags = append(c.tags, i)
			if i != 0 {
				c.emit = append(c.emit, i)
			}
		}
		for j := 0; j < size; j++ {
			c.trans.Set(i, j, rng.NormFloat64()*0.1)
		}
	}
	return c
}

// ensureScratch sizes the reusable Viterbi tables for n positions.
func (c *crf) ensureScratch(n int) {
	for len(c.score) < n {
		c.score = append(c.score, make([]float64, c.size))
		c.back = append(c.back, make([]int, c.size))
	}
}

// loss returns the negative log-likelihood of the gold tag sequence and
// the gradient of the loss with respect to each position's emission
// scores. Transition gradients are accumulated on the CRF itself.
func (c *crf) loss(emissions []*mat.VecDense, gold []int) (float64, []*mat.VecDense) {
	n := len(emissions)

	// Forward (alpha) and backward (beta) tables in log space.
	alpha := c.table(n)
	beta := c.table(n)
	scratch := make([]float64, len(c.tags))

	for _, j := range c.tags {
		alpha[0][j] = c.trans.At(c.start, j) + emissions[0].AtVec(j)
	}
	for t := 1; t < n; t++ {
		for _, j := range c.tags {
			for k, i := range c.tags {
				scratch[k] = alpha[t-1][i] + c.trans.At(i, j)
			}
			alpha[t][j] = floats.LogSumExp(scratch) + emissions[t].AtVec(j)
		}
	}
	for k, j := range c.tags {
		scratch[k] = alpha[n-1][j] + c.trans.At(j, c.stop)
	}
	logZ := floats.LogSumExp(scratch)

	for _, j := range c.tags {
		beta[n-1][j] = c.trans.At(j, c.stop)
	}
	for t := n - 2; t >= 0; t-- {
		for _, i := range c.tags {
			for k, j := range c.tags {
				scratch[k] = c.trans.At(i, j) + emissions[t+1].AtVec(j) + beta[t+1][j]
			}
			beta[t][i] = floats.LogSumExp(scratch)
		}
	}

	// Gold path score.
	goldScore := c.trans.At(c.start, gold[0]) + c.trans.At(gold[n-1], c.stop)
	for t := 0; t < n; t++ {
		goldScore += emissions[t].AtVec(gold[t])
		if t > 0 {
			goldScore += c.trans.At(gold[t-1], gold[t])
		}
	}
	nll := logZ - goldScore

	// Emission gradients: unary marginals minus the gold indicator.
	de := make([]*mat.VecDense, n)
	for t := 0; t < n; t++ {
		d := mat.NewVecDense(c.size, nil)
		for _, j := range c.tags {
			marg := math.Exp(alpha[t][j] + beta[t][j] - logZ)
			ind := 0.0
			if gold[t] == j {
				ind = 1
			}
			d.SetVec(j, marg-ind)
		}
		de[t] = d
	}

	// Transition gradients: pairwise marginals minus gold indicators.
	addT := func(i, j int, v float64) { c.gtrans.Set(i, j, c.gtrans.At(i, j)+v) }
	for _, j := range c.tags {
		marg := math.Exp(alpha[0][j] + beta[0][j] - logZ)
		ind := 0.0
		if gold[0] == j {
			ind = 1
		}
		addT(c.start, j, marg-ind)

		endMarg := math.Exp(alpha[n-1][j] + beta[n-1][j] - logZ)
		endInd := 0.0
		if gold[n-1] == j {
			endInd = 1
		}
		addT(j, c.stop, endMarg-endInd)
	}
	for t := 1; t < n; t++ {
		for _, i := range c.tags {
			for _, j := range c.tags {
				marg := math.Exp(alpha[t-1][i] + c.trans.At(i, j) +
					emissions[t].AtVec(j) + beta[t][j] - logZ)
				ind := 0.0
				if gold[t-1] == i && gold[t] == j {
					ind = 1
				}
				addT(i, j, marg-ind)
			}
		}
	}

	return nll, de
}

// decode returns the highest-scoring tag sequence via Viterbi. The
// result has one tag per position and never contains the start/stop
// sentinels or the unknown index.
func (c *crf) decode(emissions []*mat.VecDense) []int {
	n := len(emissions)
	c.ensureScratch(n)

	for _, j := range c.emit {
		c.score[0][j] = c.trans.At(c.start, j) + emissions[0].AtVec(j)
	}
	for t := 1; t < n; t++ {
		for _, j := range c.emit {
			best := math.Inf(-1)
			bestPrev := c.emit[0]
			for _, i := range c.emit {
				s := c.score[t-1][i] + c.trans.At(i, j)
				if s > best {
					best = s
					bestPrev = i
				}
			}
			c.score[t][j] = best + emissions[t].AtVec(j)
			c.back[t][j] = bestPrev
		}
	}

	best := math.Inf(-1)
	bestTag := c.emit[0]
	for _, j := range c.emit {
		s := c.score[n-1][j] + c.trans.At(j, c.stop)
		if s > best {
			best = s
			bestTag = j
		}
	}

	out := make([]int, n)
	out[n-1] = bestTag
	for t := n - 1; t > 0; t-- {
		out[t-1] = c.back[t][out[t]]
	}
	return out
}

// table allocates an n x size log-space table initialized to -Inf.
func (c *crf) table(n int) [][]float64 {
	out := make([][]float64, n)
	for t := range out {
		row := make([]float64, c.size)
		for i := range row {
			row[i] = math.Inf(-1)
		}
		out[t] = row
	}
	return out
}

func (c *crf) params() []param {
	return []param{{c.trans, c.gtrans}}
}
