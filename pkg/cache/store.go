// Package cache provides a two-tier read-through cache in front of an
// embedding producer. Contextual and remote embeddings are expensive to
// compute; the cache makes repeated epochs over the same corpus reuse
// prior results instead of recomputing them.
//
// Entries are keyed by (producer identity, sentence content key), so a
// producer configuration change — which changes its identity — can never
// serve a vector computed under a different configuration, and identical
// writes for the same key are idempotent.
//
// Tiers, consulted in order:
//
//  1. Memory — process-local, no eviction; enabled by Config.InMemory.
//     The opt-out for working sets that do not fit is to disable the
//     tier entirely.
//  2. Disk — a BadgerDB store, populated lazily on first computation;
//     enabled by supplying Config.Disk. I/O failures degrade to
//     recomputation with a warning rather than aborting training.
package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by a Store when a key has no entry.
var ErrNotFound = errors.New("cache: not found")

// Key addresses one cached embedding result.
type Key struct {
	// Identity is the embedding producer's identity string.
	Identity string

	// Sentence is the sentence's content hash (corpus.Sentence.Key).
	Sentence string
}

// encode flattens the key for byte-oriented stores. The sentence part is
// a fixed-alphabet hex hash, so a '|' separator cannot be ambiguous.
func (k Key) encode() []byte {
	return []byte(k.Identity + "|" + k.Sentence)
}

// Store holds embedding vectors by key. Token-level results are stored
// as one row per token; document-level results as a single row.
//
// Implementations must be safe for concurrent use: writes for distinct
// sentences never conflict, and duplicate writes for the same key carry
// identical rows, so no cross-writer coordination is needed.
type Store interface {
	// Get returns the rows stored for the key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([][]float32, error)

	// Set stores rows for the key, overwriting any previous entry.
	Set(ctx context.Context, key Key, rows [][]float32) error

	// Close releases resources held by the store.
	Close() error
}

// Memory is an in-memory Store with no eviction. It backs the memory
// tier and serves as the test double for the disk tier.
type Memory struct {
	mu   sync.RWMutex
	data map[string][][]float32
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][][]float32)}
}

func (m *Memory) Get(_ context.Context, key Key) ([][]float32, error) {
	m.mu.RLock()
	rows, ok := m.data[string(key.encode())]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return copyRows(rows), nil
}

func (m *Memory) Set(_ context.Context, key Key, rows [][]float32) error {
	cp := copyRows(rows)
	m.mu.Lock()
	m.data[string(key.encode())] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func copyRows(rows [][]float32) [][]float32 {
	out := make([][]float32, len(rows))
	for i, r := range rows {
		cp := make([]float32, len(r))
		copy(cp, r)
		out[i] = cp
	}
	return out
}
