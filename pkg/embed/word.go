package embed

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/cespare/xxhash/v2"

	"github.com/haivivi/seqlab/pkg/corpus"
)

const (
	wordDefaultName = "news"
	wordDefaultDim  = 64
)

// Word is a token-level producer of static per-word vectors. Each word's
// vector is derived deterministically from the word text and the
// producer seed, so the same word always maps to the same vector and two
// producers with equal configuration are interchangeable.
//
// The vectors are frozen: they carry no trainable state and never change
// during training, which is what makes them safely cacheable across
// epochs.
type Word struct {
	name string
	dim  int
	seed int64
}

var _ Embedder = (*Word)(nil)

// NewWord creates a static word-vector producer.
func NewWord(opts ...Option) *Word {
	cfg := config{name: wordDefaultName, dim: wordDefaultDim}
	for _, o := range opts {
		o(&cfg)
	}
	return &Word{name: cfg.name, dim: cfg.dim, seed: cfg.seed}
}

// Identity returns "word/<name>/d<dim>/s<seed>".
func (w *Word) Identity() string {
	return fmt.Sprintf("word/%s/d%d/s%d", w.name, w.dim, w.seed)
}

// Dim returns the vector dimensionality.
func (w *Word) Dim() int { return w.dim }

// Level returns TokenLevel.
func (w *Word) Level() Level { return TokenLevel }

// Embed attaches one vector per token.
func (w *Word) Embed(_ context.Context, sentences ...*corpus.Sentence) error {
	id := w.Identity()
	for _, s := range sentences {
		if err := checkSentence(s); err != nil {
			return err
		}
		if Embedded(w, s) {
			continue
		}
		for _, t := range s.Tokens() {
			t.SetEmbedding(id, w.vector(t.Text()))
		}
	}
	return nil
}

// vector derives the word's vector from a PRNG seeded by the word hash
// and the producer seed. Components are scaled by 1/sqrt(dim) so vector
// norms stay near 1 regardless of dimensionality.
func (w *Word) vector(word string) []float32 {
	rng := rand.New(rand.NewSource(int64(xxhash.Sum64String(word)) ^ w.seed))
	scale := 1 / math.Sqrt(float64(w.dim))
	vec := make([]float32, w.dim)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64() * scale)
	}
	return vec
}
