package embed

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/haivivi/seqlab/pkg/corpus"
)

const (
	ctxDefaultName   = "lm-small"
	ctxDefaultHidden = 32
)

// Contextual is a token-level producer that runs a fixed, seeded
// character-level recurrent pass over the whole sentence in both
// directions. Each token's vector is the forward hidden state at its
// last character concatenated with the backward hidden state at its
// first character, so the same word gets different vectors in different
// contexts.
//
// The recurrent weights are generated once from the seed and never
// trained. The per-character recurrence makes this the most expensive
// producer in the package and the main customer of the cache layer.
type Contextual struct {
	name   string
	hidden int
	seed   int64

	// wx maps input bytes to hidden contributions; wh is the recurrent
	// matrix; both fixed after construction.
	wx [][]float32 // [hidden][256]
	wh [][]float32 // [hidden][hidden]
	b  []float32
}

var _ Embedder = (*Contextual)(nil)

// NewContextual creates a contextual character-level producer.
// WithDim sets the output dimensionality, which must be even (half per
// direction); the default is 64.
func NewContextual(opts ...Option) *Contextual {
	cfg := config{name: ctxDefaultName, dim: 2 * ctxDefaultHidden}
	for _, o := range opts {
		o(&cfg)
	}
	c := &Contextual{name: cfg.name, hidden: cfg.dim / 2, seed: cfg.seed}
	c.initWeights()
	return c
}

func (c *Contextual) initWeights() {
	rng := rand.New(rand.NewSource(c.seed))
	scale := 1 / math.Sqrt(float64(c.hidden))
	c.wx = make([][]float32, c.hidden)
	c.wh = make([][]float32, c.hidden)
	c.b = make([]float32, c.hidden)
	for i := 0; i < c.hidden; i++ {
		c.wx[i] = make([]float32, 256)
		for j := range c.wx[i] {
			c.wx[i][j] = float32(rng.NormFloat64() * scale)
		}
		c.wh[i] = make([]float32, c.hidden)
		for j := range c.wh[i] {
			c.wh[i][j] = float32(rng.NormFloat64() * scale)
		}
		c.b[i] = float32(rng.NormFloat64() * scale)
	}
}

// Identity returns "ctx/<name>/d<dim>/s<seed>".
func (c *Contextual) Identity() string {
	return fmt.Sprintf("ctx/%s/d%d/s%d", c.name, 2*c.hidden, c.seed)
}

// Dim returns the vector dimensionality (both directions).
func (c *Contextual) Dim() int { return 2 * c.hidden }

// Level returns TokenLevel.
func (c *Contextual) Level() Level { return TokenLevel }

// Embed attaches one contextual vector per token.
func (c *Contextual) Embed(_ context.Context, sentences ...*corpus.Sentence) error {
	id := c.Identity()
	for _, s := range sentences {
		if err := checkSentence(s); err != nil {
			return err
		}
		if Embedded(c, s) {
			continue
		}

		text := []byte(s.Text())
		if len(text) == 0 {
			for _, t := range s.Tokens() {
				t.SetEmbedding(id, make([]float32, 2*c.hidden))
			}
			continue
		}
		fwd := c.run(text, false)
		bwd := c.run(text, true)

		// Character offsets of each token in the space-joined text.
		offset := 0
		for _, t := range s.Tokens() {
			first := clamp(offset, len(text))
			last := clamp(offset+len(t.Text())-1, len(text))
			vec := make([]float32, 2*c.hidden)
			copy(vec, fwd[last])
			copy(vec[c.hidden:], bwd[first])
			t.SetEmbedding(id, vec)
			offset += len(t.Text()) + 1 // skip the joining space
		}
	}
	return nil
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// run performs one recurrent pass over text, returning the hidden state
// at every character position.
func (c *Contextual) run(text []byte, reverse bool) [][]float32 {
	states := make([][]float32, len(text))
	h := make([]float32, c.hidden)
	for step := 0; step < len(text); step++ {
		pos := step
		if reverse {
			pos = len(text) - 1 - step
		}
		next := make([]float32, c.hidden)
		for i := 0; i < c.hidden; i++ {
			sum := c.b[i] + c.wx[i][text[pos]]
			for j := 0; j < c.hidden; j++ {
				sum += c.wh[i][j] * h[j]
			}
			next[i] = float32(math.Tanh(float64(sum)))
		}
		states[pos] = next
		h = next
	}
	return states
}
