package embed

import (
	"context"
	"fmt"
	"strings"

	"github.com/haivivi/seqlab/pkg/corpus"
)

// Stacked concatenates the output of an ordered list of token-level
// producers. Children are invoked in the given order and their vectors
// concatenated in that same order, so two invocations on token-identical
// input always produce bit-identical layouts: same total length, same
// per-child segment boundaries.
type Stacked struct {
	children []Embedder
	dim      int
	identity string
}

var _ Embedder = (*Stacked)(nil)

// NewStacked creates a stacked producer over the given token-level
// children. Child order is part of the identity: stacking (a, b) and
// (b, a) are different producers with different cached layouts.
func NewStacked(children ...Embedder) (*Stacked, error) {
	if len(children) == 0 {
		return nil, ErrNoChildren
	}
	ids := make([]string, len(children))
	dim := 0
	for i, ch := range children {
		if ch.Level() != TokenLevel {
			return nil, fmt.Errorf("embed: stacked child %s is not token-level", ch.Identity())
		}
		ids[i] = ch.Identity()
		dim += ch.Dim()
	}
	return &Stacked{
		children: children,
		dim:      dim,
		identity: "stacked(" + strings.Join(ids, ",") + ")",
	}, nil
}

// Identity returns "stacked(<child>,<child>,...)" in child order.
func (st *Stacked) Identity() string { return st.identity }

// Dim returns the sum of the children's dimensionalities.
func (st *Stacked) Dim() int { return st.dim }

// Level returns TokenLevel.
func (st *Stacked) Level() Level { return TokenLevel }

// Children returns the child producers in stacking order.
func (st *Stacked) Children() []Embedder {
	out := make([]Embedder, len(st.children))
	copy(out, st.children)
	return out
}

// Embed ensures every child has embedded the sentences, then writes the
// per-token concatenation under the stacked identity.
func (st *Stacked) Embed(ctx context.Context, sentences ...*corpus.Sentence) error {
	for _, s := range sentences {
		if err := checkSentence(s); err != nil {
			return err
		}
		if Embedded(st, s) {
			continue
		}
		for _, ch := range st.children {
			if err := ch.Embed(ctx, s); err != nil {
				return err
			}
		}
		for _, t := range s.Tokens() {
			vec := make([]float32, 0, st.dim)
			for _, ch := range st.children {
				part, ok := t.Embedding(ch.Identity())
				if !ok {
					return fmt.Errorf("embed: child %s left token %d of %q unembedded",
						ch.Identity(), t.Index(), s.Text())
				}
				vec = append(vec, part...)
			}
			t.SetEmbedding(st.identity, vec)
		}
	}
	return nil
}
