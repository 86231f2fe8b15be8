// Package embed provides embedding producers that attach dense float32
// vectors to [corpus.Sentence] values, and their deterministic stacking.
//
// A producer is either token-level (one vector per token) or
// document-level (one vector per sentence). Every producer carries a
// stable identity string derived from its type and configuration; vectors
// are attached under that identity, and the cache layer keys stored
// vectors by it, so changing a producer's configuration can never serve a
// vector computed under a different one.
//
// # Producers
//
//   - [Word] — static per-word vectors, derived deterministically from a seed
//   - [Contextual] — character-level recurrent vectors over the whole sentence
//   - [DocPool] — document vector pooled from a token-level producer
//   - [OpenAIDoc] — document vector from an OpenAI-compatible embeddings API
//   - [Stacked] — ordered concatenation of token-level producers
//
// Embedding is idempotent: a sentence already carrying vectors under a
// producer's identity is left untouched. Use [Force] to recompute.
package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/haivivi/seqlab/pkg/corpus"
)

// Common errors.
var (
	// ErrNoChildren is returned when a stacked producer is built with no
	// child producers.
	ErrNoChildren = errors.New("embed: stacked producer needs at least one child")

	// ErrEmptyInput is returned by remote producers for empty text.
	ErrEmptyInput = errors.New("embed: empty input")
)

// Level distinguishes where a producer attaches its vectors.
type Level int

const (
	// TokenLevel producers attach one vector per token.
	TokenLevel Level = iota

	// DocumentLevel producers attach one vector per sentence.
	DocumentLevel
)

// Embedder attaches embedding vectors to sentences.
type Embedder interface {
	// Identity returns the stable key for this producer's type and
	// configuration. Vectors on tokens/sentences and entries in the
	// cache store are namespaced by it.
	Identity() string

	// Dim returns the dimensionality of the produced vectors.
	Dim() int

	// Level reports whether vectors are attached per token or per
	// sentence.
	Level() Level

	// Embed attaches vectors to the given sentences. Sentences already
	// carrying vectors under this producer's identity are skipped.
	// A zero-token sentence yields corpus.ErrEmptySentence.
	Embed(ctx context.Context, sentences ...*corpus.Sentence) error
}

// Force drops any vectors held under the producer's identity and embeds
// the sentences again.
func Force(ctx context.Context, e Embedder, sentences ...*corpus.Sentence) error {
	id := e.Identity()
	for _, s := range sentences {
		s.RemoveEmbedding(id)
		for _, t := range s.Tokens() {
			t.RemoveEmbedding(id)
		}
	}
	return e.Embed(ctx, sentences...)
}

// Embedded reports whether the sentence already carries vectors under
// the producer's identity at the producer's level.
func Embedded(e Embedder, s *corpus.Sentence) bool {
	if e.Level() == DocumentLevel {
		_, ok := s.Embedding(e.Identity())
		return ok
	}
	if s.Len() == 0 {
		return false
	}
	for _, t := range s.Tokens() {
		if _, ok := t.Embedding(e.Identity()); !ok {
			return false
		}
	}
	return true
}

// checkSentence rejects degenerate zero-token sentences at embedding entry.
func checkSentence(s *corpus.Sentence) error {
	if s.Len() == 0 {
		return fmt.Errorf("embed: %w", corpus.ErrEmptySentence)
	}
	return nil
}
