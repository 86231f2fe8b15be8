package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// maxGradNorm is the global-norm clipping bound applied before every
// parameter update.
const maxGradNorm = 5.0

// linear is a fully connected layer y = Wx + b with accumulated
// gradients.
type linear struct {
	w  *mat.Dense    // out x in
	b  *mat.VecDense // out
	gw *mat.Dense
	gb *mat.VecDense
}

func newLinear(out, in int, rng *rand.Rand) *linear {
	l := &linear{
		w:  mat.NewDense(out, in, nil),
		b:  mat.NewVecDense(out, nil),
		gw: mat.NewDense(out, in, nil),
		gb: mat.NewVecDense(out, nil),
	}
	scale := 1 / math.Sqrt(float64(in))
	for i := 0; i < out; i++ {
		for j := 0; j < in; j++ {
			l.w.Set(i, j, rng.NormFloat64()*scale)
		}
	}
	return l
}

// forward computes Wx + b.
func (l *linear) forward(x *mat.VecDense) *mat.VecDense {
	out, _ := l.w.Dims()
	y := mat.NewVecDense(out, nil)
	y.MulVec(l.w, x)
	y.AddVec(y, l.b)
	return y
}

// backward accumulates gradients for an upstream dy and returns dx.
func (l *linear) backward(x, dy *mat.VecDense) *mat.VecDense {
	l.gw.RankOne(l.gw, 1, dy, x)
	l.gb.AddVec(l.gb, dy)
	_, in := l.w.Dims()
	dx := mat.NewVecDense(in, nil)
	dx.MulVec(l.w.T(), dy)
	return dx
}

func (l *linear) params() []param {
	return []param{{l.w, l.gw}, {vecParam{l.b}, vecParam{l.gb}}}
}

// param pairs a weight tensor with its gradient accumulator.
type param struct {
	value mat.Mutable
	grad  mat.Mutable
}

// vecParam adapts a VecDense to the Mutable matrix interface.
type vecParam struct{ *mat.VecDense }

func (v vecParam) Set(i, j int, x float64) { v.SetVec(i, x) }

// gradNorm computes the global L2 norm across all gradients.
func gradNorm(params []param) float64 {
	sum := 0.0
	for _, p := range params {
		r, c := p.grad.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := p.grad.At(i, j)
				sum += g * g
			}
		}
	}
	return math.Sqrt(sum)
}

// sgdStep applies one clipped gradient-descent update and zeroes the
// gradients.
func sgdStep(params []param, lr float64) {
	scale := 1.0
	if norm := gradNorm(params); norm > maxGradNorm {
		scale = maxGradNorm / norm
	}
	for _, p := range params {
		r, c := p.grad.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				p.value.Set(i, j, p.value.At(i, j)-lr*scale*p.grad.At(i, j))
				p.grad.Set(i, j, 0)
			}
		}
	}
}

// zeroGrads clears all gradient accumulators.
func zeroGrads(params []param) {
	for _, p := range params {
		r, c := p.grad.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				p.grad.Set(i, j, 0)
			}
		}
	}
}

// vecFromEmbedding converts a float32 embedding to a gonum vector.
func vecFromEmbedding(v []float32) *mat.VecDense {
	out := mat.NewVecDense(len(v), nil)
	for i, f := range v {
		out.SetVec(i, float64(f))
	}
	return out
}

// dumpDense flattens a matrix for serialization.
func dumpDense(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

func loadDense(m *mat.Dense, data []float64) {
	r, c := m.Dims()
	idx := 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, data[idx])
			idx++
		}
	}
}

func dumpVec(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

func loadVec(v *mat.VecDense, data []float64) {
	for i := range data {
		v.SetVec(i, data[i])
	}
}
