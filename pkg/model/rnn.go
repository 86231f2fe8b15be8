package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// rnnCell is one direction of an Elman recurrence
// h_t = tanh(Wx x_t + Wh h_{t-1} + b) with manual backpropagation
// through time.
type rnnCell struct {
	wx, wh   *mat.Dense // H x D, H x H
	b        *mat.VecDense
	gwx, gwh *mat.Dense
	gb       *mat.VecDense
}

func newRNNCell(hidden, input int, rng *rand.Rand) *rnnCell {
	c := &rnnCell{
		wx:  mat.NewDense(hidden, input, nil),
		wh:  mat.NewDense(hidden, hidden, nil),
		b:   mat.NewVecDense(hidden, nil),
		gwx: mat.NewDense(hidden, input, nil),
		gwh: mat.NewDense(hidden, hidden, nil),
		gb:  mat.NewVecDense(hidden, nil),
	}
	inScale := 1 / math.Sqrt(float64(input))
	hScale := 1 / math.Sqrt(float64(hidden))
	for i := 0; i < hidden; i++ {
		for j := 0; j < input; j++ {
			c.wx.Set(i, j, rng.NormFloat64()*inScale)
		}
		for j := 0; j < hidden; j++ {
			c.wh.Set(i, j, rng.NormFloat64()*hScale)
		}
	}
	return c
}

// run processes the sequence in the given direction and returns the
// hidden state at every position (indexed by position, not step).
func (c *rnnCell) run(xs []*mat.VecDense, reverse bool) []*mat.VecDense {
	n := len(xs)
	hidden := c.b.Len()
	hs := make([]*mat.VecDense, n)
	prev := mat.NewVecDense(hidden, nil)
	for step := 0; step < n; step++ {
		pos := step
		if reverse {
			pos = n - 1 - step
		}
		z := mat.NewVecDense(hidden, nil)
		z.MulVec(c.wx, xs[pos])
		tmp := mat.NewVecDense(hidden, nil)
		tmp.MulVec(c.wh, prev)
		z.AddVec(z, tmp)
		z.AddVec(z, c.b)
		h := mat.NewVecDense(hidden, nil)
		for i := 0; i < hidden; i++ {
			h.SetVec(i, math.Tanh(z.AtVec(i)))
		}
		hs[pos] = h
		prev = h
	}
	return hs
}

// bptt accumulates gradients given the upstream gradient at every
// position. dhs is indexed by position, like run's output.
func (c *rnnCell) bptt(xs, hs, dhs []*mat.VecDense, reverse bool) {
	n := len(xs)
	hidden := c.b.Len()
	carry := mat.NewVecDense(hidden, nil)
	for step := n - 1; step >= 0; step-- {
		pos := step
		if reverse {
			pos = n - 1 - step
		}
		// Total gradient at this step: from the layer above plus the
		// recurrent flow from the following step.
		dh := mat.NewVecDense(hidden, nil)
		dh.AddVec(dhs[pos], carry)

		// Through tanh: dz = dh * (1 - h^2).
		dz := mat.NewVecDense(hidden, nil)
		for i := 0; i < hidden; i++ {
			h := hs[pos].AtVec(i)
			dz.SetVec(i, dh.AtVec(i)*(1-h*h))
		}

		var prev *mat.VecDense
		if step > 0 {
			prevPos := step - 1
			if reverse {
				prevPos = n - step
			}
			prev = hs[prevPos]
		} else {
			prev = mat.NewVecDense(hidden, nil)
		}

		c.gwx.RankOne(c.gwx, 1, dz, xs[pos])
		c.gwh.RankOne(c.gwh, 1, dz, prev)
		c.gb.AddVec(c.gb, dz)

		carry.MulVec(c.wh.T(), dz)
	}
}

func (c *rnnCell) params() []param {
	return []param{
		{c.wx, c.gwx},
		{c.wh, c.gwh},
		{vecParam{c.b}, vecParam{c.gb}},
	}
}

// biRNN runs two independent rnnCells over a sequence and concatenates
// their per-position hidden states.
type biRNN struct {
	fwd, bwd *rnnCell
	hidden   int
}

func newBiRNN(hidden, input int, rng *rand.Rand) *biRNN {
	return &biRNN{
		fwd:    newRNNCell(hidden, input, rng),
		bwd:    newRNNCell(hidden, input, rng),
		hidden: hidden,
	}
}

// outDim is the concatenated output dimensionality.
func (r *biRNN) outDim() int { return 2 * r.hidden }

// encode returns per-direction states and the per-position
// concatenation.
func (r *biRNN) encode(xs []*mat.VecDense) (hf, hb, out []*mat.VecDense) {
	hf = r.fwd.run(xs, false)
	hb = r.bwd.run(xs, true)
	out = make([]*mat.VecDense, len(xs))
	for i := range xs {
		v := mat.NewVecDense(2*r.hidden, nil)
		for j := 0; j < r.hidden; j++ {
			v.SetVec(j, hf[i].AtVec(j))
			v.SetVec(r.hidden+j, hb[i].AtVec(j))
		}
		out[i] = v
	}
	return hf, hb, out
}

// backward splits the upstream gradients and runs both directions' BPTT.
func (r *biRNN) backward(xs, hf, hb []*mat.VecDense, dout []*mat.VecDense) {
	n := len(xs)
	dhf := make([]*mat.VecDense, n)
	dhb := make([]*mat.VecDense, n)
	for i := 0; i < n; i++ {
		f := mat.NewVecDense(r.hidden, nil)
		b := mat.NewVecDense(r.hidden, nil)
		for j := 0; j < r.hidden; j++ {
			f.SetVec(j, dout[i].AtVec(j))
			b.SetVec(j, dout[i].AtVec(r.hidden+j))
		}
		dhf[i], dhb[i] = f, b
	}
	r.fwd.bptt(xs, hf, dhf, false)
	r.bwd.bptt(xs, hb, dhb, true)
}

func (r *biRNN) params() []param {
	return append(r.fwd.params(), r.bwd.params()...)
}
