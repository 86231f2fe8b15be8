package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haivivi/seqlab/pkg/corpus"
	"github.com/haivivi/seqlab/pkg/embed"
)

// Config controls which tiers a [Cached] producer uses. Tier enablement
// is a pure function of this config; there is no ambient state.
type Config struct {
	// InMemory enables the memory tier. There is no eviction: if the
	// full working set does not fit in process memory, leave the tier
	// disabled and rely on the disk tier or recomputation.
	InMemory bool

	// Disk is the disk-tier store. Nil disables the tier.
	Disk Store
}

// Stats counts cache activity. Reads are only consistent after all
// Embed calls have returned.
type Stats struct {
	MemoryHits int64
	DiskHits   int64
	Computes   int64
}

// Cached wraps an embedding producer with the two-tier read-through
// cache. It is itself an [embed.Embedder] with the inner producer's
// identity, so models and stacks can use it as a drop-in replacement.
//
// Resolution order per sentence: vectors already attached → no-op;
// memory hit → attach; disk hit → attach and populate memory; otherwise
// compute via the inner producer and populate every enabled tier.
type Cached struct {
	inner embed.Embedder
	cfg   Config
	mem   *Memory

	mu    sync.Mutex
	stats Stats
}

var _ embed.Embedder = (*Cached)(nil)

// New wraps inner with the tiers enabled in cfg.
func New(inner embed.Embedder, cfg Config) *Cached {
	c := &Cached{inner: inner, cfg: cfg}
	if cfg.InMemory {
		c.mem = NewMemory()
	}
	return c
}

// Identity returns the inner producer's identity: caching must never
// change which vectors a sentence ends up with.
func (c *Cached) Identity() string { return c.inner.Identity() }

// Dim returns the inner producer's dimensionality.
func (c *Cached) Dim() int { return c.inner.Dim() }

// Level returns the inner producer's level.
func (c *Cached) Level() embed.Level { return c.inner.Level() }

// Stats returns a snapshot of the hit/compute counters.
func (c *Cached) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Embed attaches vectors to the sentences, consulting the enabled tiers
// before falling back to the inner producer.
func (c *Cached) Embed(ctx context.Context, sentences ...*corpus.Sentence) error {
	for _, s := range sentences {
		if s.Len() == 0 {
			return fmt.Errorf("cache: %w", corpus.ErrEmptySentence)
		}
		if embed.Embedded(c.inner, s) {
			continue
		}
		if err := c.embedOne(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cached) embedOne(ctx context.Context, s *corpus.Sentence) error {
	key := Key{Identity: c.inner.Identity(), Sentence: s.Key()}

	if c.mem != nil {
		rows, err := c.mem.Get(ctx, key)
		if err == nil {
			c.attach(s, rows)
			c.count(func(st *Stats) { st.MemoryHits++ })
			return nil
		}
	}

	if c.cfg.Disk != nil {
		rows, err := c.cfg.Disk.Get(ctx, key)
		switch {
		case err == nil:
			c.attach(s, rows)
			if c.mem != nil {
				_ = c.mem.Set(ctx, key, rows)
			}
			c.count(func(st *Stats) { st.DiskHits++ })
			return nil
		case !errors.Is(err, ErrNotFound):
			// Availability over strict caching: a broken disk tier
			// must not abort training.
			slog.Warn("cache: disk read failed, recomputing", "key", key.Identity, "err", err)
		}
	}

	if err := c.inner.Embed(ctx, s); err != nil {
		return err
	}
	c.count(func(st *Stats) { st.Computes++ })

	rows, err := c.collect(s)
	if err != nil {
		return err
	}
	if c.mem != nil {
		_ = c.mem.Set(ctx, key, rows)
	}
	if c.cfg.Disk != nil {
		if err := c.cfg.Disk.Set(ctx, key, rows); err != nil {
			slog.Warn("cache: disk write failed", "key", key.Identity, "err", err)
		}
	}
	return nil
}

// attach writes cached rows back onto the sentence under the inner
// producer's identity.
func (c *Cached) attach(s *corpus.Sentence, rows [][]float32) {
	id := c.inner.Identity()
	if c.inner.Level() == embed.DocumentLevel {
		if len(rows) > 0 {
			s.SetEmbedding(id, rows[0])
		}
		return
	}
	for i, t := range s.Tokens() {
		if i < len(rows) {
			t.SetEmbedding(id, rows[i])
		}
	}
}

// collect reads the vectors the inner producer attached, as store rows.
func (c *Cached) collect(s *corpus.Sentence) ([][]float32, error) {
	id := c.inner.Identity()
	if c.inner.Level() == embed.DocumentLevel {
		vec, ok := s.Embedding(id)
		if !ok {
			return nil, fmt.Errorf("cache: producer %s attached no document vector", id)
		}
		return [][]float32{vec}, nil
	}
	rows := make([][]float32, s.Len())
	for i, t := range s.Tokens() {
		vec, ok := t.Embedding(id)
		if !ok {
			return nil, fmt.Errorf("cache: producer %s left token %d unembedded", id, i)
		}
		rows[i] = vec
	}
	return rows, nil
}

func (c *Cached) count(f func(*Stats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}
