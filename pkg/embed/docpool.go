package embed

import (
	"context"
	"fmt"

	"github.com/haivivi/seqlab/pkg/corpus"
)

// PoolOp selects the aggregation used by [DocPool].
type PoolOp string

const (
	PoolMean PoolOp = "mean"
	PoolMax  PoolOp = "max"
	PoolMin  PoolOp = "min"
)

// DocPool is a document-level producer that aggregates a token-level
// producer's vectors into one sentence vector with an elementwise
// pooling operation.
type DocPool struct {
	child Embedder
	op    PoolOp
}

var _ Embedder = (*DocPool)(nil)

// NewDocPool creates a pooling document producer over a token-level child.
func NewDocPool(child Embedder, op PoolOp) (*DocPool, error) {
	if child.Level() != TokenLevel {
		return nil, fmt.Errorf("embed: docpool child %s is not token-level", child.Identity())
	}
	switch op {
	case PoolMean, PoolMax, PoolMin:
	default:
		return nil, fmt.Errorf("embed: unknown pool op %q", op)
	}
	return &DocPool{child: child, op: op}, nil
}

// Identity returns "docpool/<op>(<child>)".
func (p *DocPool) Identity() string {
	return fmt.Sprintf("docpool/%s(%s)", p.op, p.child.Identity())
}

// Dim returns the child's dimensionality.
func (p *DocPool) Dim() int { return p.child.Dim() }

// Level returns DocumentLevel.
func (p *DocPool) Level() Level { return DocumentLevel }

// Embed attaches one pooled vector per sentence.
func (p *DocPool) Embed(ctx context.Context, sentences ...*corpus.Sentence) error {
	id := p.Identity()
	for _, s := range sentences {
		if err := checkSentence(s); err != nil {
			return err
		}
		if Embedded(p, s) {
			continue
		}
		if err := p.child.Embed(ctx, s); err != nil {
			return err
		}
		dim := p.child.Dim()
		vec := make([]float32, dim)
		for i, t := range s.Tokens() {
			part, ok := t.Embedding(p.child.Identity())
			if !ok {
				return fmt.Errorf("embed: docpool child %s left token %d unembedded", p.child.Identity(), t.Index())
			}
			for j := 0; j < dim; j++ {
				switch {
				case i == 0:
					vec[j] = part[j]
				case p.op == PoolMean:
					vec[j] += part[j]
				case p.op == PoolMax && part[j] > vec[j]:
					vec[j] = part[j]
				case p.op == PoolMin && part[j] < vec[j]:
					vec[j] = part[j]
				}
			}
		}
		if p.op == PoolMean {
			n := float32(s.Len())
			for j := range vec {
				vec[j] /= n
			}
		}
		s.SetEmbedding(id, vec)
	}
	return nil
}
