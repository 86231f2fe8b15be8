// Package corpus provides the annotated-text data model for training
// sequence labelers and text classifiers: [Token], [Sentence], [Label],
// the bidirectional [Dictionary], and the train/dev/test [Corpus] with
// deterministic downsampling.
//
// A Sentence owns its Tokens; token order is fixed at construction and
// never changes. Embedding producers attach vectors to tokens and
// sentences in place, and models attach predicted tags and labels the
// same way, so the corpus structures are the single carrier of data
// through the whole pipeline.
package corpus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Sentinel errors.
var (
	// ErrEmptySentence is returned when a zero-token sentence reaches an
	// embedding producer or a model.
	ErrEmptySentence = errors.New("corpus: empty sentence")

	// ErrUnknownLayer is returned when a dictionary is requested for an
	// annotation layer no train sentence carries.
	ErrUnknownLayer = errors.New("corpus: unknown annotation layer")

	// ErrInvalidRatio is returned when a downsample ratio is outside (0, 1].
	ErrInvalidRatio = errors.New("corpus: downsample ratio must be in (0, 1]")
)

// Label is a sentence-level category with a confidence score in [0, 1].
type Label struct {
	Name  string  `msgpack:"name"`
	Score float64 `msgpack:"score"`
}

// Token is one unit position within a [Sentence]. It carries the raw
// text, per-layer annotation tags, and embedding vectors keyed by the
// identity of the producer that attached them.
type Token struct {
	idx  int
	text string

	tags map[string]string
	embs map[string][]float32
}

// Index returns the token's position within its sentence, starting at 0.
func (t *Token) Index() int { return t.idx }

// Text returns the raw token text.
func (t *Token) Text() string { return t.text }

// SetTag sets the tag value for the named annotation layer.
func (t *Token) SetTag(layer, value string) {
	if t.tags == nil {
		t.tags = make(map[string]string)
	}
	t.tags[layer] = value
}

// Tag returns the tag value for the named annotation layer.
// The second return is false if the token has no tag on that layer.
func (t *Token) Tag(layer string) (string, bool) {
	v, ok := t.tags[layer]
	return v, ok
}

// SetEmbedding attaches a vector under the given producer identity,
// replacing any previous vector with the same identity.
func (t *Token) SetEmbedding(identity string, vec []float32) {
	if t.embs == nil {
		t.embs = make(map[string][]float32)
	}
	t.embs[identity] = vec
}

// Embedding returns the vector attached under the given producer identity.
func (t *Token) Embedding(identity string) ([]float32, bool) {
	v, ok := t.embs[identity]
	return v, ok
}

// RemoveEmbedding drops the vector attached under the given identity.
func (t *Token) RemoveEmbedding(identity string) { delete(t.embs, identity) }

// ClearEmbeddings drops all attached vectors. Used by memory-conscious
// callers after a batch has been consumed.
func (t *Token) ClearEmbeddings() { t.embs = nil }

// Sentence is an ordered sequence of Tokens with optional sentence-level
// gold labels, predicted labels, and document embeddings.
type Sentence struct {
	tokens []*Token

	labels    []Label
	predicted []Label

	embs map[string][]float32
}

// NewSentence builds a Sentence from raw token texts. A zero-token
// sentence is constructible but is rejected by embedding producers and
// models with [ErrEmptySentence].
func NewSentence(texts ...string) *Sentence {
	s := &Sentence{tokens: make([]*Token, len(texts))}
	for i, txt := range texts {
		s.tokens[i] = &Token{idx: i, text: txt}
	}
	return s
}

// Tokens returns the sentence's tokens in order. The returned slice is a
// copy of the slice header; tokens themselves are shared and may be
// mutated in place.
func (s *Sentence) Tokens() []*Token {
	out := make([]*Token, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// Len returns the number of tokens.
func (s *Sentence) Len() int { return len(s.tokens) }

// Token returns the token at position i.
func (s *Sentence) Token(i int) *Token { return s.tokens[i] }

// AddLabel appends a gold label.
func (s *Sentence) AddLabel(name string, score float64) {
	s.labels = append(s.labels, Label{Name: name, Score: score})
}

// Labels returns the gold labels in insertion order.
func (s *Sentence) Labels() []Label {
	out := make([]Label, len(s.labels))
	copy(out, s.labels)
	return out
}

// SetPredicted replaces the predicted labels. Models call this from
// their decode path; the sentence itself is the prediction result.
func (s *Sentence) SetPredicted(labels []Label) {
	s.predicted = labels
}

// Predicted returns the labels attached by the most recent prediction.
func (s *Sentence) Predicted() []Label {
	out := make([]Label, len(s.predicted))
	copy(out, s.predicted)
	return out
}

// SetEmbedding attaches a document-level vector under the given producer
// identity.
func (s *Sentence) SetEmbedding(identity string, vec []float32) {
	if s.embs == nil {
		s.embs = make(map[string][]float32)
	}
	s.embs[identity] = vec
}

// Embedding returns the document-level vector for the given identity.
func (s *Sentence) Embedding(identity string) ([]float32, bool) {
	v, ok := s.embs[identity]
	return v, ok
}

// RemoveEmbedding drops the document vector for the given identity.
func (s *Sentence) RemoveEmbedding(identity string) { delete(s.embs, identity) }

// ClearEmbeddings drops all token and document vectors.
func (s *Sentence) ClearEmbeddings() {
	s.embs = nil
	for _, t := range s.tokens {
		t.ClearEmbeddings()
	}
}

// Text returns the sentence as space-joined token texts.
func (s *Sentence) Text() string {
	parts := make([]string, len(s.tokens))
	for i, t := range s.tokens {
		parts[i] = t.text
	}
	return strings.Join(parts, " ")
}

// Key returns a stable content hash of the token texts, used to key
// cached embeddings. Two sentences with identical token sequences share
// a key, so cached vectors are reused across structurally equal inputs.
func (s *Sentence) Key() string {
	h := xxhash.New()
	for _, t := range s.tokens {
		// Length prefix so ["ab","c"] and ["a","bc"] hash differently.
		h.WriteString(strconv.Itoa(len(t.text)))
		h.WriteString(":")
		h.WriteString(t.text)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// TaggedString renders the sentence with the given annotation layer as
// "token <tag>" pairs, for inspection and debugging. Tokens without a
// tag on the layer are rendered bare.
func (s *Sentence) TaggedString(layer string) string {
	var b strings.Builder
	for i, t := range s.tokens {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
		if tag, ok := t.tags[layer]; ok {
			fmt.Fprintf(&b, " <%s>", tag)
		}
	}
	return b.String()
}
