package corpus

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Split identifies one of the three corpus splits.
type Split int

const (
	Train Split = iota
	Dev
	Test
)

// String returns the split name.
func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Dev:
		return "dev"
	case Test:
		return "test"
	}
	return fmt.Sprintf("split(%d)", int(s))
}

// Corpus holds three disjoint ordered sequences of sentences. Split
// membership is fixed at construction; callers may mutate individual
// sentences in place (attaching embeddings, predictions) but cannot
// change which sentences belong to which split.
type Corpus struct {
	train []*Sentence
	dev   []*Sentence
	test  []*Sentence
}

// New builds a corpus from the three splits. The slices are copied so
// later mutation of the caller's slices does not affect membership.
func New(train, dev, test []*Sentence) *Corpus {
	c := &Corpus{
		train: make([]*Sentence, len(train)),
		dev:   make([]*Sentence, len(dev)),
		test:  make([]*Sentence, len(test)),
	}
	copy(c.train, train)
	copy(c.dev, dev)
	copy(c.test, test)
	return c
}

// Train returns the train split. The returned slice is a copy of the
// slice header; appending to or reordering it does not affect the corpus.
func (c *Corpus) Train() []*Sentence { return copySplit(c.train) }

// Dev returns the dev split.
func (c *Corpus) Dev() []*Sentence { return copySplit(c.dev) }

// Test returns the test split.
func (c *Corpus) Test() []*Sentence { return copySplit(c.test) }

func copySplit(s []*Sentence) []*Sentence {
	out := make([]*Sentence, len(s))
	copy(out, s)
	return out
}

// Downsample returns a new corpus where each targeted split is reduced
// to round(ratio*len) sentences. The retained sentences are a uniformly
// sampled subsequence of the original split, preserving relative order,
// and the selection is deterministic for a given seed. Splits not named
// are carried over unchanged; passing no splits targets all three.
//
// Returns [ErrInvalidRatio] if ratio is outside (0, 1].
func (c *Corpus) Downsample(ratio float64, seed int64, splits ...Split) (*Corpus, error) {
	if ratio <= 0 || ratio > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidRatio, ratio)
	}
	if len(splits) == 0 {
		splits = []Split{Train, Dev, Test}
	}
	out := &Corpus{train: c.train, dev: c.dev, test: c.test}
	for _, sp := range splits {
		switch sp {
		case Train:
			out.train = sample(c.train, ratio, seed)
		case Dev:
			out.dev = sample(c.dev, ratio, seed)
		case Test:
			out.test = sample(c.test, ratio, seed)
		}
	}
	return out, nil
}

// sample retains round(ratio*len) sentences chosen by a seeded draw,
// returned in their original relative order.
func sample(split []*Sentence, ratio float64, seed int64) []*Sentence {
	n := int(math.Round(ratio * float64(len(split))))
	if n >= len(split) {
		return copySplit(split)
	}
	rng := rand.New(rand.NewSource(seed))
	idx := rng.Perm(len(split))[:n]
	sort.Ints(idx)
	out := make([]*Sentence, n)
	for i, j := range idx {
		out[i] = split[j]
	}
	return out
}

// MakeTagDictionary scans every train sentence's tags on the named
// annotation layer and returns a dictionary with indices in first-seen
// order. Dev and test splits are never consulted, so the label space
// cannot leak from held-out data. When crf is true the start/stop
// transition sentinels are appended for use by a CRF decoder.
//
// Returns [ErrUnknownLayer] if no train sentence carries the layer.
func (c *Corpus) MakeTagDictionary(layer string, crf bool) (*Dictionary, error) {
	d := NewDictionary()
	seen := false
	for _, s := range c.train {
		for _, t := range s.tokens {
			if tag, ok := t.Tag(layer); ok {
				seen = true
				d.Add(tag)
			}
		}
	}
	if !seen {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLayer, layer)
	}
	if crf {
		d.Add(StartItem)
		d.Add(StopItem)
	}
	return d, nil
}

// MakeLabelDictionary scans every train sentence's gold labels and
// returns a dictionary with indices in first-seen order.
//
// Returns [ErrUnknownLayer] if no train sentence carries any label.
func (c *Corpus) MakeLabelDictionary() (*Dictionary, error) {
	d := NewDictionary()
	seen := false
	for _, s := range c.train {
		for _, l := range s.labels {
			seen = true
			d.Add(l.Name)
		}
	}
	if !seen {
		return nil, fmt.Errorf("%w: sentence labels", ErrUnknownLayer)
	}
	return d, nil
}
