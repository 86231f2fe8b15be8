// Package model provides the two trainable architectures of the
// pipeline, sharing an encode→decode shape over embedded sentences:
//
//   - [SequenceTagger] — bidirectional recurrent encoder over per-token
//     stacked embeddings, decoded by a CRF (Viterbi) or per-token argmax.
//   - [TextClassifier] — linear head over a document embedding, decoded
//     as a single-label softmax argmax or multi-label thresholded
//     sigmoids.
//
// Both mutate sentences in place: predictions are attached to the
// sentences themselves, there is no separate result object. Training
// state (weights and gradients) lives on the model; the trainer drives
// Loss/Update and persists StateBytes into checkpoints.
package model

import (
	"context"
	"fmt"

	"github.com/haivivi/seqlab/pkg/corpus"
	"github.com/haivivi/seqlab/pkg/embed"
)

// PredictedLayer is the annotation layer sequence taggers write their
// decoded tags to, leaving the gold layer untouched for scoring.
const PredictedLayer = "predicted"

// Model is what the trainer drives: a trainable, predictable,
// serializable architecture over embedded sentences.
type Model interface {
	// Embeddings returns the producer whose vectors the model consumes.
	Embeddings() embed.Embedder

	// SetEmbeddings swaps the producer, typically for a cache-wrapped
	// one carrying the same identity.
	SetEmbeddings(e embed.Embedder) error

	// Dictionary returns the tag or label dictionary the output
	// dimensions are tied to.
	Dictionary() *corpus.Dictionary

	// Loss runs the forward and backward pass over the batch and
	// returns the summed loss. Gradients accumulate until Update or
	// ZeroGrad.
	Loss(ctx context.Context, sentences []*corpus.Sentence) (float64, error)

	// Update applies one clipped SGD step and zeroes the gradients.
	Update(lr float64)

	// ZeroGrad discards accumulated gradients without updating.
	ZeroGrad()

	// Predict attaches predictions to the sentences in place.
	Predict(ctx context.Context, sentences ...*corpus.Sentence) error

	// Score computes the model's dev metric (micro-F1 for tagging,
	// accuracy for classification) from previously attached
	// predictions.
	Score(sentences []*corpus.Sentence) float64

	// StateBytes serializes the model weights.
	StateBytes() ([]byte, error)

	// LoadStateBytes restores weights serialized by StateBytes.
	// Dimensions must match the model's current configuration.
	LoadStateBytes(data []byte) error
}

// checkSentences rejects zero-token sentences at model entry.
func checkSentences(sentences []*corpus.Sentence) error {
	for _, s := range sentences {
		if s.Len() == 0 {
			return fmt.Errorf("model: %w", corpus.ErrEmptySentence)
		}
	}
	return nil
}

// checkIdentity guards SetEmbeddings against a producer with different
// configuration, whose vector layout the weights were not built for.
func checkIdentity(old, new embed.Embedder) error {
	if old.Identity() != new.Identity() {
		return fmt.Errorf("model: embedding identity mismatch: have %q, got %q",
			old.Identity(), new.Identity())
	}
	return nil
}
