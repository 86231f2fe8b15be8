package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/seqlab/pkg/corpus"
	"github.com/haivivi/seqlab/pkg/embed"
)

// DefaultThreshold is the multi-label confidence cutoff.
const DefaultThreshold = 0.5

// ClassifierConfig configures a [TextClassifier].
type ClassifierConfig struct {
	// Embeddings is the document-level producer whose vector the head
	// consumes.
	Embeddings embed.Embedder

	// LabelDictionary is the output label space.
	LabelDictionary *corpus.Dictionary

	// MultiLabel selects independent per-label sigmoids with a
	// threshold instead of a single softmax argmax.
	MultiLabel bool

	// Threshold is the multi-label confidence cutoff.
	// Default [DefaultThreshold].
	Threshold float64

	// Seed drives weight initialization.
	Seed int64
}

// TextClassifier predicts sentence-level labels from a document
// embedding through a linear head.
//
// In multi-label mode every label whose sigmoid confidence reaches the
// threshold is emitted; ties at the threshold resolve in stable
// dictionary-index order, and no deduplication is applied.
type TextClassifier struct {
	emb    embed.Embedder
	dict   *corpus.Dictionary
	multi  bool
	thresh float64

	head *linear
}

var _ Model = (*TextClassifier)(nil)

// NewTextClassifier builds a classifier for the given configuration.
func NewTextClassifier(cfg ClassifierConfig) (*TextClassifier, error) {
	if cfg.Embeddings == nil {
		return nil, fmt.Errorf("model: classifier needs an embedding producer")
	}
	if cfg.Embeddings.Level() != embed.DocumentLevel {
		return nil, fmt.Errorf("model: classifier needs a document-level producer, got %s", cfg.Embeddings.Identity())
	}
	if cfg.LabelDictionary == nil {
		return nil, fmt.Errorf("model: classifier needs a label dictionary")
	}
	thresh := cfg.Threshold
	if thresh == 0 {
		thresh = DefaultThreshold
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	return &TextClassifier{
		emb:    cfg.Embeddings,
		dict:   cfg.LabelDictionary,
		multi:  cfg.MultiLabel,
		thresh: thresh,
		head:   newLinear(cfg.LabelDictionary.Len(), cfg.Embeddings.Dim(), rng),
	}, nil
}

// Embeddings returns the configured producer.
func (c *TextClassifier) Embeddings() embed.Embedder { return c.emb }

// SetEmbeddings swaps in a producer with the same identity.
func (c *TextClassifier) SetEmbeddings(e embed.Embedder) error {
	if err := checkIdentity(c.emb, e); err != nil {
		return err
	}
	c.emb = e
	return nil
}

// Dictionary returns the label dictionary.
func (c *TextClassifier) Dictionary() *corpus.Dictionary { return c.dict }

// docVec reads the sentence's document embedding.
func (c *TextClassifier) docVec(s *corpus.Sentence) (*mat.VecDense, error) {
	vec, ok := s.Embedding(c.emb.Identity())
	if !ok {
		return nil, fmt.Errorf("model: sentence %q carries no %s embedding", s.Text(), c.emb.Identity())
	}
	return vecFromEmbedding(vec), nil
}

// Loss computes the batch loss and accumulates gradients.
func (c *TextClassifier) Loss(ctx context.Context, sentences []*corpus.Sentence) (float64, error) {
	if err := checkSentences(sentences); err != nil {
		return 0, err
	}
	if err := c.emb.Embed(ctx, sentences...); err != nil {
		return 0, err
	}

	total := 0.0
	k := c.dict.Len()
	for _, s := range sentences {
		x, err := c.docVec(s)
		if err != nil {
			return 0, err
		}
		y := c.head.forward(x)
		dy := mat.NewVecDense(k, nil)

		if c.multi {
			gold := make([]bool, k)
			for _, l := range s.Labels() {
				gold[c.dict.Index(l.Name)] = true
			}
			for i := 0; i < k; i++ {
				p := sigmoid(y.AtVec(i))
				if gold[i] {
					total += -math.Log(clampProb(p))
					dy.SetVec(i, p-1)
				} else {
					total += -math.Log(clampProb(1 - p))
					dy.SetVec(i, p)
				}
			}
		} else {
			labels := s.Labels()
			if len(labels) == 0 {
				return 0, fmt.Errorf("model: sentence %q has no gold label", s.Text())
			}
			gold := c.dict.Index(labels[0].Name)
			logits := make([]float64, k)
			for i := 0; i < k; i++ {
				logits[i] = y.AtVec(i)
			}
			logZ := floats.LogSumExp(logits)
			total += logZ - logits[gold]
			for i := 0; i < k; i++ {
				p := math.Exp(logits[i] - logZ)
				if i == gold {
					p -= 1
				}
				dy.SetVec(i, p)
			}
		}
		c.head.backward(x, dy)
	}
	return total, nil
}

// Update applies one clipped SGD step.
func (c *TextClassifier) Update(lr float64) { sgdStep(c.head.params(), lr) }

// ZeroGrad discards accumulated gradients.
func (c *TextClassifier) ZeroGrad() { zeroGrads(c.head.params()) }

// Predict attaches predicted labels to each sentence. The unknown
// sentinel is never emitted.
func (c *TextClassifier) Predict(ctx context.Context, sentences ...*corpus.Sentence) error {
	if err := checkSentences(sentences); err != nil {
		return err
	}
	if err := c.emb.Embed(ctx, sentences...); err != nil {
		return err
	}
	k := c.dict.Len()
	for _, s := range sentences {
		x, err := c.docVec(s)
		if err != nil {
			return err
		}
		y := c.head.forward(x)

		var out []corpus.Label
		if c.multi {
			for i := 1; i < k; i++ { // stable index order
				if p := sigmoid(y.AtVec(i)); p >= c.thresh {
					out = append(out, corpus.Label{Name: c.dict.Item(i), Score: p})
				}
			}
		} else {
			logits := make([]float64, k)
			for i := 0; i < k; i++ {
				logits[i] = y.AtVec(i)
			}
			logZ := floats.LogSumExp(logits)
			best := 1
			for i := 2; i < k; i++ {
				if logits[i] > logits[best] {
					best = i
				}
			}
			out = []corpus.Label{{Name: c.dict.Item(best), Score: math.Exp(logits[best] - logZ)}}
		}
		s.SetPredicted(out)
	}
	return nil
}

// Score computes accuracy: the fraction of sentences whose predicted
// label set equals the gold label set exactly.
func (c *TextClassifier) Score(sentences []*corpus.Sentence) float64 {
	if len(sentences) == 0 {
		return 0
	}
	correct := 0
	for _, s := range sentences {
		gold := make(map[string]bool)
		for _, l := range s.Labels() {
			gold[l.Name] = true
		}
		pred := make(map[string]bool)
		for _, l := range s.Predicted() {
			pred[l.Name] = true
		}
		if !c.multi {
			// Single-label: only the top gold label counts.
			match := len(pred) == 1 && len(s.Labels()) > 0 && pred[s.Labels()[0].Name]
			if match {
				correct++
			}
			continue
		}
		if len(gold) == len(pred) {
			same := true
			for name := range gold {
				if !pred[name] {
					same = false
					break
				}
			}
			if same {
				correct++
			}
		}
	}
	return float64(correct) / float64(len(sentences))
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// clampProb keeps log arguments away from zero.
func clampProb(p float64) float64 {
	const eps = 1e-12
	if p < eps {
		return eps
	}
	return p
}

// classifierState is the serialized weight bundle.
type classifierState struct {
	Input      int  `msgpack:"input"`
	LabelCount int  `msgpack:"labels"`
	Multi      bool `msgpack:"multi"`

	HeadW []float64 `msgpack:"head_w"`
	HeadB []float64 `msgpack:"head_b"`
}

// StateBytes serializes the model weights with msgpack.
func (c *TextClassifier) StateBytes() ([]byte, error) {
	return msgpack.Marshal(classifierState{
		Input:      c.emb.Dim(),
		LabelCount: c.dict.Len(),
		Multi:      c.multi,
		HeadW:      dumpDense(c.head.w),
		HeadB:      dumpVec(c.head.b),
	})
}

// LoadStateBytes restores weights, refusing dimension mismatches.
func (c *TextClassifier) LoadStateBytes(data []byte) error {
	var st classifierState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Input != c.emb.Dim() || st.LabelCount != c.dict.Len() || st.Multi != c.multi {
		return fmt.Errorf("model: checkpoint shape mismatch: input %d/%d labels %d/%d multi %v/%v",
			st.Input, c.emb.Dim(), st.LabelCount, c.dict.Len(), st.Multi, c.multi)
	}
	loadDense(c.head.w, st.HeadW)
	loadVec(c.head.b, st.HeadB)
	return nil
}
