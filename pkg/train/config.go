package train

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

var (
	// ErrInvalidLearningRate is returned for a non-positive learning rate
	// or a floor above the initial rate.
	ErrInvalidLearningRate = errors.New("train: invalid learning rate")

	// ErrInvalidBatchSize is returned for a non-positive mini-batch size.
	ErrInvalidBatchSize = errors.New("train: mini-batch size must be positive")

	// ErrInvalidAnnealFactor is returned for an anneal factor outside (0, 1).
	ErrInvalidAnnealFactor = errors.New("train: anneal factor must be in (0, 1)")

	// ErrInvalidPatience is returned for a negative patience.
	ErrInvalidPatience = errors.New("train: patience must be non-negative")

	// ErrInvalidMaxEpochs is returned for a non-positive epoch cap.
	ErrInvalidMaxEpochs = errors.New("train: max epochs must be positive")
)

// Config holds every knob of a training run. Zero values are not
// usable; start from [DefaultConfig] or a YAML file and override.
type Config struct {
	// LearningRate is the initial SGD step size.
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`

	// MiniBatchSize is the number of sentences per update. The final
	// batch of an epoch may be smaller.
	MiniBatchSize int `yaml:"mini_batch_size" json:"mini_batch_size"`

	// MaxEpochs caps the number of passes over the train split.
	MaxEpochs int `yaml:"max_epochs" json:"max_epochs"`

	// AnnealFactor multiplies the learning rate after a plateau.
	AnnealFactor float64 `yaml:"anneal_factor" json:"anneal_factor"`

	// Patience is how many consecutive epochs without dev improvement
	// are tolerated before the learning rate is annealed.
	Patience int `yaml:"patience" json:"patience"`

	// MinLearningRate stops the run once annealing drops the rate
	// below it.
	MinLearningRate float64 `yaml:"min_learning_rate" json:"min_learning_rate"`

	// Shuffle reorders the train split before each epoch, seeded by Seed.
	Shuffle bool `yaml:"shuffle" json:"shuffle"`

	// EmbeddingsInMemory enables the memory cache tier for computed
	// vectors. Disable when the corpus does not fit in process memory.
	EmbeddingsInMemory bool `yaml:"embeddings_in_memory" json:"embeddings_in_memory"`

	// UseCache enables the disk cache tier under CacheDir.
	UseCache bool `yaml:"use_cache" json:"use_cache"`

	// CacheDir is the disk cache location. Empty means alongside the
	// checkpoint path.
	CacheDir string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`

	// CheckpointPath is the artifact prefix within the run's FileStore.
	CheckpointPath string `yaml:"checkpoint_path,omitempty" json:"checkpoint_path,omitempty"`

	// Seed drives epoch shuffling.
	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultConfig returns the standard starting point for a run.
func DefaultConfig() Config {
	return Config{
		LearningRate:       0.1,
		MiniBatchSize:      32,
		MaxEpochs:          100,
		AnnealFactor:       0.5,
		Patience:           3,
		MinLearningRate:    0.0001,
		Shuffle:            true,
		EmbeddingsInMemory: true,
	}
}

// LoadConfig reads a YAML config file over [DefaultConfig] and
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("train: read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("train: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.LearningRate <= 0 || c.MinLearningRate < 0 || c.MinLearningRate > c.LearningRate {
		return ErrInvalidLearningRate
	}
	if c.MiniBatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.MaxEpochs <= 0 {
		return ErrInvalidMaxEpochs
	}
	if c.AnnealFactor <= 0 || c.AnnealFactor >= 1 {
		return ErrInvalidAnnealFactor
	}
	if c.Patience < 0 {
		return ErrInvalidPatience
	}
	return nil
}
