package cache_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/haivivi/seqlab/pkg/cache"
	"github.com/haivivi/seqlab/pkg/corpus"
	"github.com/haivivi/seqlab/pkg/embed"
)

// countingEmbedder wraps a real producer and counts Embed invocations
// that actually reach it.
type countingEmbedder struct {
	embed.Embedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, sentences ...*corpus.Sentence) error {
	c.calls++
	return c.Embedder.Embed(ctx, sentences...)
}

func TestMemoryTierAvoidsRecompute(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{Embedder: embed.NewWord(embed.WithDim(8))}
	c := cache.New(inner, cache.Config{InMemory: true})

	s1 := corpus.NewSentence("the", "cat")
	if err := c.Embed(ctx, s1); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	first, _ := s1.Token(0).Embedding(c.Identity())

	// A token-identical sentence must be served from memory.
	s2 := corpus.NewSentence("the", "cat")
	if err := c.Embed(ctx, s2); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, _ := s2.Token(0).Embedding(c.Identity())

	if inner.calls != 1 {
		t.Fatalf("inner producer called %d times, want 1", inner.calls)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("cached vector differs from computed vector")
		}
	}
	if st := c.Stats(); st.MemoryHits != 1 || st.Computes != 1 {
		t.Fatalf("stats = %+v, want 1 memory hit and 1 compute", st)
	}
}

func TestDiskTierRoundTrip(t *testing.T) {
	ctx := context.Background()
	disk, err := cache.NewBadger(cache.BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { disk.Close() })

	inner := &countingEmbedder{Embedder: embed.NewContextual(embed.WithDim(8))}
	c := cache.New(inner, cache.Config{Disk: disk})

	s1 := corpus.NewSentence("hello", "world")
	if err := c.Embed(ctx, s1); err != nil {
		t.Fatalf("Embed: %v", err)
	}

	// A fresh wrapper over the same store hits disk, not the producer.
	inner2 := &countingEmbedder{Embedder: embed.NewContextual(embed.WithDim(8))}
	c2 := cache.New(inner2, cache.Config{Disk: disk, InMemory: true})
	s2 := corpus.NewSentence("hello", "world")
	if err := c2.Embed(ctx, s2); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if inner2.calls != 0 {
		t.Fatalf("inner producer called %d times, want 0 (disk hit)", inner2.calls)
	}
	if st := c2.Stats(); st.DiskHits != 1 {
		t.Fatalf("stats = %+v, want 1 disk hit", st)
	}

	v1, _ := s1.Token(0).Embedding(c.Identity())
	v2, _ := s2.Token(0).Embedding(c2.Identity())
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatal("disk round-trip changed the vector")
		}
	}

	// The disk hit populated the memory tier.
	s3 := corpus.NewSentence("hello", "world")
	if err := c2.Embed(ctx, s3); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if st := c2.Stats(); st.MemoryHits != 1 {
		t.Fatalf("stats = %+v, want 1 memory hit after disk promotion", st)
	}
}

func TestIdentityChangeForcesRecompute(t *testing.T) {
	ctx := context.Background()
	disk := cache.NewMemory()

	a := &countingEmbedder{Embedder: embed.NewWord(embed.WithDim(8), embed.WithSeed(1))}
	ca := cache.New(a, cache.Config{Disk: disk})
	if err := ca.Embed(ctx, corpus.NewSentence("cat")); err != nil {
		t.Fatalf("Embed: %v", err)
	}

	// Different seed, different identity: must not see a's entries.
	b := &countingEmbedder{Embedder: embed.NewWord(embed.WithDim(8), embed.WithSeed(2))}
	cb := cache.New(b, cache.Config{Disk: disk})
	if err := cb.Embed(ctx, corpus.NewSentence("cat")); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if b.calls != 1 {
		t.Fatalf("inner producer called %d times, want 1 (config change must recompute)", b.calls)
	}
	if disk.Len() != 2 {
		t.Fatalf("store holds %d entries, want 2 distinct keys", disk.Len())
	}
}

// failingStore simulates a broken disk tier.
type failingStore struct{}

func (failingStore) Get(context.Context, cache.Key) ([][]float32, error) {
	return nil, fmt.Errorf("disk gone")
}
func (failingStore) Set(context.Context, cache.Key, [][]float32) error {
	return fmt.Errorf("disk gone")
}
func (failingStore) Close() error { return nil }

func TestDiskFailureDegradesToRecompute(t *testing.T) {
	ctx := context.Background()
	inner := &countingEmbedder{Embedder: embed.NewWord(embed.WithDim(4))}
	c := cache.New(inner, cache.Config{Disk: failingStore{}})

	s := corpus.NewSentence("resilient")
	if err := c.Embed(ctx, s); err != nil {
		t.Fatalf("Embed with broken disk: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner producer called %d times, want 1", inner.calls)
	}
	if _, ok := s.Token(0).Embedding(c.Identity()); !ok {
		t.Fatal("no vector attached despite recompute fallback")
	}
}

func TestEmptySentenceRejected(t *testing.T) {
	c := cache.New(embed.NewWord(), cache.Config{InMemory: true})
	err := c.Embed(context.Background(), corpus.NewSentence())
	if !errors.Is(err, corpus.ErrEmptySentence) {
		t.Fatalf("got %v, want ErrEmptySentence", err)
	}
}

func TestDocumentLevelCaching(t *testing.T) {
	ctx := context.Background()
	pool, err := embed.NewDocPool(embed.NewWord(embed.WithDim(4)), embed.PoolMean)
	if err != nil {
		t.Fatalf("NewDocPool: %v", err)
	}
	inner := &countingEmbedder{Embedder: pool}
	c := cache.New(inner, cache.Config{InMemory: true})

	s1 := corpus.NewSentence("a", "b")
	s2 := corpus.NewSentence("a", "b")
	if err := c.Embed(ctx, s1, s2); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner producer called %d times, want 1", inner.calls)
	}
	v1, ok1 := s1.Embedding(c.Identity())
	v2, ok2 := s2.Embedding(c.Identity())
	if !ok1 || !ok2 {
		t.Fatal("document vectors missing")
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatal("cached document vector differs")
		}
	}
}
