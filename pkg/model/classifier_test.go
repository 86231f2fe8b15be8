package model

import (
	"context"
	"testing"

	"github.com/haivivi/seqlab/pkg/corpus"
	"github.com/haivivi/seqlab/pkg/embed"
)

func docProducer(t *testing.T) embed.Embedder {
	t.Helper()
	doc, err := embed.NewDocPool(embed.NewWord(embed.WithDim(16)), embed.PoolMean)
	if err != nil {
		t.Fatalf("NewDocPool: %v", err)
	}
	return doc
}

func labelTrainingSet() ([]*corpus.Sentence, *corpus.Dictionary) {
	a := corpus.NewSentence("the", "team", "won", "the", "game")
	a.AddLabel("sports", 1)
	a.AddLabel("usa", 1)
	b := corpus.NewSentence("parliament", "passed", "the", "budget")
	b.AddLabel("politics", 1)
	c := corpus.New([]*corpus.Sentence{a, b}, nil, nil)
	dict, _ := c.MakeLabelDictionary()
	return c.Train(), dict
}

func TestClassifierRejectsTokenProducer(t *testing.T) {
	_, dict := labelTrainingSet()
	if _, err := NewTextClassifier(ClassifierConfig{
		Embeddings:      embed.NewWord(embed.WithDim(16)),
		LabelDictionary: dict,
	}); err == nil {
		t.Fatal("expected error for token-level producer")
	}
}

func TestClassifierSingleLabelOverfits(t *testing.T) {
	sents, dict := labelTrainingSet()
	clf, err := NewTextClassifier(ClassifierConfig{
		Embeddings:      docProducer(t),
		LabelDictionary: dict,
		Seed:            3,
	})
	if err != nil {
		t.Fatalf("NewTextClassifier: %v", err)
	}

	ctx := context.Background()
	var loss float64
	for epoch := 0; epoch < 200; epoch++ {
		if loss, err = clf.Loss(ctx, sents); err != nil {
			t.Fatalf("Loss: %v", err)
		}
		clf.Update(0.5)
	}
	if loss > 0.5 {
		t.Fatalf("loss did not converge, final %f", loss)
	}

	if err := clf.Predict(ctx, sents...); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for _, s := range sents {
		pred := s.Predicted()
		if len(pred) != 1 {
			t.Fatalf("sentence %q: got %d predictions, want 1", s.Text(), len(pred))
		}
		if got, want := pred[0].Name, s.Labels()[0].Name; got != want {
			t.Fatalf("sentence %q: predicted %q, want %q", s.Text(), got, want)
		}
		if pred[0].Score <= 0 || pred[0].Score > 1 {
			t.Fatalf("confidence %f outside (0, 1]", pred[0].Score)
		}
	}
	if score := clf.Score(sents); score != 1 {
		t.Fatalf("Score = %f, want 1", score)
	}
}

func TestClassifierMultiLabelOverfits(t *testing.T) {
	sents, dict := labelTrainingSet()
	clf, err := NewTextClassifier(ClassifierConfig{
		Embeddings:      docProducer(t),
		LabelDictionary: dict,
		MultiLabel:      true,
		Seed:            3,
	})
	if err != nil {
		t.Fatalf("NewTextClassifier: %v", err)
	}

	ctx := context.Background()
	for epoch := 0; epoch < 300; epoch++ {
		if _, err := clf.Loss(ctx, sents); err != nil {
			t.Fatalf("Loss: %v", err)
		}
		clf.Update(0.5)
	}
	if err := clf.Predict(ctx, sents...); err != nil {
		t.Fatalf("Predict: %v", err)
	}

	got := map[string]bool{}
	for _, l := range sents[0].Predicted() {
		if l.Score < DefaultThreshold {
			t.Fatalf("emitted label %q below threshold: %f", l.Name, l.Score)
		}
		got[l.Name] = true
	}
	if !got["sports"] || !got["usa"] || len(got) != 2 {
		t.Fatalf("predicted labels %v, want {sports, usa}", got)
	}
	// Emission order follows dictionary index order.
	pred := sents[0].Predicted()
	for i := 1; i < len(pred); i++ {
		if dict.Index(pred[i-1].Name) >= dict.Index(pred[i].Name) {
			t.Fatalf("labels out of dictionary order: %v", pred)
		}
	}
	if score := clf.Score(sents); score != 1 {
		t.Fatalf("Score = %f, want 1", score)
	}
}

func TestClassifierStateRoundTrip(t *testing.T) {
	sents, dict := labelTrainingSet()
	clf, err := NewTextClassifier(ClassifierConfig{
		Embeddings:      docProducer(t),
		LabelDictionary: dict,
		Seed:            3,
	})
	if err != nil {
		t.Fatalf("NewTextClassifier: %v", err)
	}
	ctx := context.Background()
	for epoch := 0; epoch < 50; epoch++ {
		if _, err := clf.Loss(ctx, sents); err != nil {
			t.Fatalf("Loss: %v", err)
		}
		clf.Update(0.5)
	}
	state, err := clf.StateBytes()
	if err != nil {
		t.Fatalf("StateBytes: %v", err)
	}

	restored, err := NewTextClassifier(ClassifierConfig{
		Embeddings:      docProducer(t),
		LabelDictionary: dict,
		Seed:            99,
	})
	if err != nil {
		t.Fatalf("NewTextClassifier: %v", err)
	}
	if err := restored.LoadStateBytes(state); err != nil {
		t.Fatalf("LoadStateBytes: %v", err)
	}
	if err := clf.Predict(ctx, sents...); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	want := sents[0].Predicted()[0].Name
	if err := restored.Predict(ctx, sents...); err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got := sents[0].Predicted()[0].Name; got != want {
		t.Fatalf("restored model predicted %q, want %q", got, want)
	}

	multi, err := NewTextClassifier(ClassifierConfig{
		Embeddings:      docProducer(t),
		LabelDictionary: dict,
		MultiLabel:      true,
	})
	if err != nil {
		t.Fatalf("NewTextClassifier: %v", err)
	}
	if err := multi.LoadStateBytes(state); err == nil {
		t.Fatal("expected mismatch error loading single-label state into multi-label head")
	}
}
