package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/seqlab/pkg/model"
	"github.com/haivivi/seqlab/pkg/storage"
)

// ErrDictionaryMismatch is returned when a checkpoint's label space does
// not match the model it is being loaded into. Weights indexed by one
// dictionary are meaningless under another, so resumption refuses.
var ErrDictionaryMismatch = errors.New("train: checkpoint dictionary mismatch")

const (
	weightsFile  = "weights.bin"
	manifestFile = "manifest.yaml"
	curveFile    = "curve.tsv"
)

// Manifest describes a persisted checkpoint. It travels next to the
// weights so a checkpoint is self-describing: resumption validates the
// dictionary and embedding identity against it before touching weights.
type Manifest struct {
	RunID             string    `yaml:"run_id"`
	CreatedAt         time.Time `yaml:"created_at"`
	Epoch             int       `yaml:"epoch"`
	DevScore          float64   `yaml:"dev_score"`
	EmbeddingIdentity string    `yaml:"embedding_identity"`
	Dictionary        []string  `yaml:"dictionary"`
	Config            Config    `yaml:"config"`
}

// writeCheckpoint persists the model weights and manifest under prefix.
func writeCheckpoint(ctx context.Context, store storage.FileStore, prefix string, m model.Model, man Manifest) error {
	state, err := m.StateBytes()
	if err != nil {
		return fmt.Errorf("train: serialize model: %w", err)
	}
	if err := writeArtifact(ctx, store, prefix+"/"+weightsFile, state); err != nil {
		return err
	}
	meta, err := yaml.Marshal(man)
	if err != nil {
		return fmt.Errorf("train: serialize manifest: %w", err)
	}
	return writeArtifact(ctx, store, prefix+"/"+manifestFile, meta)
}

func writeArtifact(ctx context.Context, store storage.FileStore, path string, data []byte) error {
	w, err := store.Write(ctx, path)
	if err != nil {
		return fmt.Errorf("train: write %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("train: write %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("train: write %s: %w", path, err)
	}
	return nil
}

func readArtifact(ctx context.Context, store storage.FileStore, path string) ([]byte, error) {
	r, err := store.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("train: read %s: %w", path, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ReadManifest loads the manifest of the checkpoint under prefix.
func ReadManifest(ctx context.Context, store storage.FileStore, prefix string) (Manifest, error) {
	data, err := readArtifact(ctx, store, prefix+"/"+manifestFile)
	if err != nil {
		return Manifest{}, err
	}
	var man Manifest
	if err := yaml.Unmarshal(data, &man); err != nil {
		return Manifest{}, fmt.Errorf("train: parse manifest: %w", err)
	}
	return man, nil
}

// Checkpoints returns the prefixes of every checkpoint stored under
// root, in lexical order: any directory holding a manifest counts. Pass
// a returned prefix to [ReadManifest] or [Resume].
func Checkpoints(ctx context.Context, store storage.FileStore, root string) ([]string, error) {
	paths, err := store.List(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("train: list checkpoints: %w", err)
	}
	var out []string
	for _, p := range paths {
		if strings.HasSuffix(p, "/"+manifestFile) {
			out = append(out, strings.TrimSuffix(p, "/"+manifestFile))
		}
	}
	return out, nil
}

// Resume loads the checkpoint under prefix into m.
//
// The manifest's dictionary must match the model's item for item, and
// the embedding identity must match the model's producer; otherwise
// [ErrDictionaryMismatch] (or an identity error) is returned and the
// model is left untouched.
func Resume(ctx context.Context, store storage.FileStore, prefix string, m model.Model) (Manifest, error) {
	man, err := ReadManifest(ctx, store, prefix)
	if err != nil {
		return Manifest{}, err
	}
	items := m.Dictionary().Items()
	if len(items) != len(man.Dictionary) {
		return Manifest{}, fmt.Errorf("%w: %d items, checkpoint has %d",
			ErrDictionaryMismatch, len(items), len(man.Dictionary))
	}
	for i, item := range items {
		if man.Dictionary[i] != item {
			return Manifest{}, fmt.Errorf("%w: index %d is %q, checkpoint has %q",
				ErrDictionaryMismatch, i, item, man.Dictionary[i])
		}
	}
	if got := m.Embeddings().Identity(); got != man.EmbeddingIdentity {
		return Manifest{}, fmt.Errorf("train: embedding identity %q does not match checkpoint %q",
			got, man.EmbeddingIdentity)
	}
	state, err := readArtifact(ctx, store, prefix+"/"+weightsFile)
	if err != nil {
		return Manifest{}, err
	}
	if err := m.LoadStateBytes(state); err != nil {
		return Manifest{}, fmt.Errorf("train: load weights: %w", err)
	}
	return man, nil
}
