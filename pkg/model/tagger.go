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

const taggerDefaultHidden = 64

// TaggerConfig configures a [SequenceTagger].
type TaggerConfig struct {
	// Embeddings is the token-level producer (usually a stack) whose
	// vectors the encoder consumes.
	Embeddings embed.Embedder

	// TagDictionary is the output tag space. For CRF mode it must carry
	// the start/stop sentinels (corpus.MakeTagDictionary with crf=true).
	TagDictionary *corpus.Dictionary

	// TagLayer is the annotation layer holding the gold tags.
	TagLayer string

	// HiddenSize is the per-direction encoder width. Default 64.
	HiddenSize int

	// UseCRF selects structured decoding with learned transitions;
	// when false, decoding is per-token argmax with cross-entropy loss.
	UseCRF bool

	// Seed drives weight initialization.
	Seed int64
}

// SequenceTagger predicts one tag per token. Tokens must carry stacked
// embeddings under the configured producer's identity; the trainer (or
// Predict itself) attaches them on demand.
type SequenceTagger struct {
	emb    embed.Embedder
	dict   *corpus.Dictionary
	layer  string
	useCRF bool

	enc  *biRNN
	proj *linear
	crf  *crf
}

var _ Model = (*SequenceTagger)(nil)

// NewSequenceTagger builds a tagger for the given configuration.
func NewSequenceTagger(cfg TaggerConfig) (*SequenceTagger, error) {
	if cfg.Embeddings == nil {
		return nil, fmt.Errorf("model: tagger needs an embedding producer")
	}
	if cfg.Embeddings.Level() != embed.TokenLevel {
		return nil, fmt.Errorf("model: tagger needs a token-level producer, got %s", cfg.Embeddings.Identity())
	}
	if cfg.TagDictionary == nil {
		return nil, fmt.Errorf("model: tagger needs a tag dictionary")
	}
	if cfg.UseCRF && (cfg.TagDictionary.StartIndex() < 0 || cfg.TagDictionary.StopIndex() < 0) {
		return nil, fmt.Errorf("model: CRF mode needs a dictionary with start/stop sentinels")
	}
	hidden := cfg.HiddenSize
	if hidden <= 0 {
		hidden = taggerDefaultHidden
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	t := &SequenceTagger{
		emb:    cfg.Embeddings,
		dict:   cfg.TagDictionary,
		layer:  cfg.TagLayer,
		useCRF: cfg.UseCRF,
		enc:    newBiRNN(hidden, cfg.Embeddings.Dim(), rng),
	}
	t.proj = newLinear(t.dict.Len(), t.enc.outDim(), rng)
	if cfg.UseCRF {
		t.crf = newCRF(t.dict.Len(), t.dict.StartIndex(), t.dict.StopIndex(), rng)
	}
	return t, nil
}

// Embeddings returns the configured producer.
func (t *SequenceTagger) Embeddings() embed.Embedder { return t.emb }

// SetEmbeddings swaps in a producer with the same identity.
func (t *SequenceTagger) SetEmbeddings(e embed.Embedder) error {
	if err := checkIdentity(t.emb, e); err != nil {
		return err
	}
	t.emb = e
	return nil
}

// Dictionary returns the tag dictionary.
func (t *SequenceTagger) Dictionary() *corpus.Dictionary { return t.dict }

// encode runs embeddings through the encoder and projection, returning
// everything the backward pass needs.
func (t *SequenceTagger) encode(s *corpus.Sentence) (xs, hf, hb, enc, emissions []*mat.VecDense, err error) {
	id := t.emb.Identity()
	xs = make([]*mat.VecDense, s.Len())
	for i, tok := range s.Tokens() {
		vec, ok := tok.Embedding(id)
		if !ok {
			return nil, nil, nil, nil, nil, fmt.Errorf("model: token %d of %q carries no %s embedding", i, s.Text(), id)
		}
		xs[i] = vecFromEmbedding(vec)
	}
	hf, hb, enc = t.enc.encode(xs)
	emissions = make([]*mat.VecDense, len(enc))
	for i, h := range enc {
		emissions[i] = t.proj.forward(h)
	}
	return xs, hf, hb, enc, emissions, nil
}

// Loss computes the batch loss and accumulates gradients.
func (t *SequenceTagger) Loss(ctx context.Context, sentences []*corpus.Sentence) (float64, error) {
	if err := checkSentences(sentences); err != nil {
		return 0, err
	}
	if err := t.emb.Embed(ctx, sentences...); err != nil {
		return 0, err
	}

	total := 0.0
	for _, s := range sentences {
		xs, hf, hb, enc, emissions, err := t.encode(s)
		if err != nil {
			return 0, err
		}

		gold := make([]int, s.Len())
		for i, tok := range s.Tokens() {
			tag, _ := tok.Tag(t.layer)
			gold[i] = t.dict.Index(tag)
		}

		var loss float64
		var de []*mat.VecDense
		if t.useCRF {
			loss, de = t.crf.loss(emissions, gold)
		} else {
			loss, de = softmaxLoss(emissions, gold)
		}
		total += loss

		denc := make([]*mat.VecDense, len(enc))
		for i := range emissions {
			denc[i] = t.proj.backward(enc[i], de[i])
		}
		t.enc.backward(xs, hf, hb, denc)
	}
	return total, nil
}

// softmaxLoss is the per-token cross-entropy alternative to the CRF.
func softmaxLoss(emissions []*mat.VecDense, gold []int) (float64, []*mat.VecDense) {
	total := 0.0
	de := make([]*mat.VecDense, len(emissions))
	for tPos, e := range emissions {
		k := e.Len()
		logits := make([]float64, k)
		for i := 0; i < k; i++ {
			logits[i] = e.AtVec(i)
		}
		logZ := floats.LogSumExp(logits)
		total += logZ - logits[gold[tPos]]

		d := mat.NewVecDense(k, nil)
		for i := 0; i < k; i++ {
			p := math.Exp(logits[i] - logZ)
			if i == gold[tPos] {
				p -= 1
			}
			d.SetVec(i, p)
		}
		de[tPos] = d
	}
	return total, de
}

// Update applies one clipped SGD step.
func (t *SequenceTagger) Update(lr float64) { sgdStep(t.params(), lr) }

// ZeroGrad discards accumulated gradients.
func (t *SequenceTagger) ZeroGrad() { zeroGrads(t.params()) }

func (t *SequenceTagger) params() []param {
	ps := append(t.enc.params(), t.proj.params()...)
	if t.crf != nil {
		ps = append(ps, t.crf.params()...)
	}
	return ps
}

// Predict decodes tag sequences and writes them to the "predicted"
// annotation layer of each token.
func (t *SequenceTagger) Predict(ctx context.Context, sentences ...*corpus.Sentence) error {
	if err := checkSentences(sentences); err != nil {
		return err
	}
	if err := t.emb.Embed(ctx, sentences...); err != nil {
		return err
	}
	for _, s := range sentences {
		_, _, _, _, emissions, err := t.encode(s)
		if err != nil {
			return err
		}
		var tags []int
		if t.useCRF {
			tags = t.crf.decode(emissions)
		} else {
			tags = argmaxDecode(emissions)
		}
		for i, tok := range s.Tokens() {
			tok.SetTag(PredictedLayer, t.dict.Item(tags[i]))
		}
	}
	return nil
}

// argmaxDecode picks the best tag per position independently, skipping
// the unknown sentinel at index 0.
func argmaxDecode(emissions []*mat.VecDense) []int {
	out := make([]int, len(emissions))
	for t, e := range emissions {
		best := 1
		for i := 2; i < e.Len(); i++ {
			if e.AtVec(i) > e.AtVec(best) {
				best = i
			}
		}
		out[t] = best
	}
	return out
}

// Score computes token-level micro-F1 between the gold layer and the
// predicted layer, treating "O" as the negative class.
func (t *SequenceTagger) Score(sentences []*corpus.Sentence) float64 {
	var tp, fp, fn float64
	for _, s := range sentences {
		for _, tok := range s.Tokens() {
			gold, _ := tok.Tag(t.layer)
			pred, _ := tok.Tag(PredictedLayer)
			switch {
			case gold == pred && gold != "O":
				tp++
			case gold == pred:
				// true negative
			default:
				if pred != "O" {
					fp++
				}
				if gold != "O" {
					fn++
				}
			}
		}
	}
	denom := 2*tp + fp + fn
	if denom == 0 {
		return 1
	}
	return 2 * tp / denom
}

// taggerState is the serialized weight bundle.
type taggerState struct {
	Hidden   int    `msgpack:"hidden"`
	Input    int    `msgpack:"input"`
	TagCount int    `msgpack:"tags"`
	UseCRF   bool   `msgpack:"crf"`
	Layer    string `msgpack:"layer"`

	FwdWx []float64 `msgpack:"fwd_wx"`
	FwdWh []float64 `msgpack:"fwd_wh"`
	FwdB  []float64 `msgpack:"fwd_b"`
	BwdWx []float64 `msgpack:"bwd_wx"`
	BwdWh []float64 `msgpack:"bwd_wh"`
	BwdB  []float64 `msgpack:"bwd_b"`
	ProjW []float64 `msgpack:"proj_w"`
	ProjB []float64 `msgpack:"proj_b"`
	Trans []float64 `msgpack:"trans,omitempty"`
}

// StateBytes serializes the model weights with msgpack.
func (t *SequenceTagger) StateBytes() ([]byte, error) {
	st := taggerState{
		Hidden:   t.enc.hidden,
		Input:    t.emb.Dim(),
		TagCount: t.dict.Len(),
		UseCRF:   t.useCRF,
		Layer:    t.layer,
		FwdWx:    dumpDense(t.enc.fwd.wx),
		FwdWh:    dumpDense(t.enc.fwd.wh),
		FwdB:     dumpVec(t.enc.fwd.b),
		BwdWx:    dumpDense(t.enc.bwd.wx),
		BwdWh:    dumpDense(t.enc.bwd.wh),
		BwdB:     dumpVec(t.enc.bwd.b),
		ProjW:    dumpDense(t.proj.w),
		ProjB:    dumpVec(t.proj.b),
	}
	if t.crf != nil {
		st.Trans = dumpDense(t.crf.trans)
	}
	return msgpack.Marshal(st)
}

// LoadStateBytes restores weights, refusing dimension mismatches.
func (t *SequenceTagger) LoadStateBytes(data []byte) error {
	var st taggerState
	if err := msgpack.Unmarshal(data, &st); err != nil {
		return err
	}
	if st.Hidden != t.enc.hidden || st.Input != t.emb.Dim() ||
		st.TagCount != t.dict.Len() || st.UseCRF != t.useCRF {
		return fmt.Errorf("model: checkpoint shape mismatch: hidden %d/%d input %d/%d tags %d/%d crf %v/%v",
			st.Hidden, t.enc.hidden, st.Input, t.emb.Dim(),
			st.TagCount, t.dict.Len(), st.UseCRF, t.useCRF)
	}
	loadDense(t.enc.fwd.wx, st.FwdWx)
	loadDense(t.enc.fwd.wh, st.FwdWh)
	loadVec(t.enc.fwd.b, st.FwdB)
	loadDense(t.enc.bwd.wx, st.BwdWx)
	loadDense(t.enc.bwd.wh, st.BwdWh)
	loadVec(t.enc.bwd.b, st.BwdB)
	loadDense(t.proj.w, st.ProjW)
	loadVec(t.proj.b, st.ProjB)
	if t.crf != nil {
		loadDense(t.crf.trans, st.Trans)
	}
	return nil
}
