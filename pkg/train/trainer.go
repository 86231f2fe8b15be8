// Package train drives model optimization: mini-batch SGD over the
// train split with per-epoch dev evaluation, plateau-triggered learning
// rate annealing, best-so-far checkpointing through a
// [storage.FileStore], and an append-only learning-curve log.
//
// A run that stops because annealing hit the learning-rate floor is a
// normal outcome, not an error; [Result.EarlyStopped] records which exit
// was taken.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/seqlab/pkg/cache"
	"github.com/haivivi/seqlab/pkg/corpus"
	"github.com/haivivi/seqlab/pkg/model"
	"github.com/haivivi/seqlab/pkg/storage"
)

// ErrNoTrainData is returned when the corpus has an empty train split.
var ErrNoTrainData = errors.New("train: corpus has no train sentences")

// Status is the trainer's lifecycle state.
type Status string

const (
	StatusUntrained    Status = "untrained"
	StatusTraining     Status = "training"
	StatusEvaluating   Status = "evaluating"
	StatusCheckpointed Status = "checkpointed"
	StatusEarlyStopped Status = "early-stopped"
	StatusTrained      Status = "trained"
)

// Result summarizes a finished run.
type Result struct {
	// RunID identifies the run's artifacts.
	RunID string

	// Epochs is the number of completed epochs.
	Epochs int

	// BestScore is the best dev metric seen, or NaN when the corpus
	// has no dev split.
	BestScore float64

	// FinalLearningRate is the rate in effect when the run stopped.
	FinalLearningRate float64

	// EarlyStopped is true when annealing hit the learning-rate floor
	// before MaxEpochs.
	EarlyStopped bool
}

// Trainer runs the optimization loop for one model over one corpus.
// It is single-use: construct, call [Trainer.Train] once, inspect the
// result.
type Trainer struct {
	model  model.Model
	corpus *corpus.Corpus
	store  storage.FileStore
	cfg    Config
	log    *slog.Logger

	runID  string
	status Status
	curve  []string
}

// NewTrainer validates cfg and prepares a run. Artifacts (checkpoints,
// curve log) go through store under cfg.CheckpointPath.
func NewTrainer(m model.Model, c *corpus.Corpus, store storage.FileStore, cfg Config) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(c.Train()) == 0 {
		return nil, ErrNoTrainData
	}
	if store == nil {
		return nil, fmt.Errorf("train: nil artifact store")
	}
	return &Trainer{
		model:  m,
		corpus: c,
		store:  store,
		cfg:    cfg,
		log:    slog.Default().With("component", "trainer"),
		runID:  uuid.NewString(),
		status: StatusUntrained,
	}, nil
}

// Status returns the trainer's current lifecycle state.
func (t *Trainer) Status() Status { return t.status }

// RunID returns the identifier stamped into this run's artifacts.
func (t *Trainer) RunID() string { return t.runID }

// prefix is the artifact prefix for this run within the store.
func (t *Trainer) prefix() string {
	if t.cfg.CheckpointPath == "" {
		return t.runID
	}
	return strings.TrimSuffix(t.cfg.CheckpointPath, "/")
}

// setupCache wraps the model's producer with the cache tiers the config
// enables. The wrapper keeps the producer's identity, so model weights
// remain valid. Returns a cleanup for the disk tier.
func (t *Trainer) setupCache() (func(), error) {
	if !t.cfg.EmbeddingsInMemory && !t.cfg.UseCache {
		return func() {}, nil
	}
	cc := cache.Config{InMemory: t.cfg.EmbeddingsInMemory}
	cleanup := func() {}
	if t.cfg.UseCache {
		dir := t.cfg.CacheDir
		if dir == "" {
			dir = filepath.Join("seqlab-cache", t.runID)
		}
		disk, err := cache.NewBadger(cache.BadgerOptions{Dir: dir})
		if err != nil {
			return nil, fmt.Errorf("train: open embedding cache: %w", err)
		}
		cc.Disk = disk
		cleanup = func() {
			if err := disk.Close(); err != nil {
				t.log.Warn("closing embedding cache", "error", err)
			}
		}
	}
	if err := t.model.SetEmbeddings(cache.New(t.model.Embeddings(), cc)); err != nil {
		cleanup()
		return nil, err
	}
	return cleanup, nil
}

// Train runs the full optimization loop and returns its summary.
//
// Per epoch: shuffle (when configured), split the train set into
// contiguous mini-batches with the final partial batch kept, compute
// the batch loss, apply one SGD step per finite batch, then evaluate on
// the dev split without updates. A dev improvement is checkpointed
// immediately; checkpoint write failures abort the run. After Patience
// consecutive epochs without improvement the learning rate is
// multiplied by AnnealFactor; the run stops when the rate falls below
// MinLearningRate or MaxEpochs is reached.
func (t *Trainer) Train(ctx context.Context) (*Result, error) {
	cleanup, err := t.setupCache()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rng := rand.New(rand.NewSource(t.cfg.Seed))
	lr := t.cfg.LearningRate
	best := math.Inf(-1)
	sinceImprove := 0
	hasDev := len(t.corpus.Dev()) > 0

	res := &Result{RunID: t.runID, BestScore: math.NaN()}

	t.curve = append(t.curve, "epoch\ttrain_loss\tdev_loss\tdev_score\tlearning_rate")

	for epoch := 1; epoch <= t.cfg.MaxEpochs; epoch++ {
		t.status = StatusTraining
		trainLoss, err := t.runEpoch(ctx, rng, lr)
		if err != nil {
			return nil, err
		}

		t.status = StatusEvaluating
		devLoss, devScore := math.NaN(), math.NaN()
		if hasDev {
			devLoss, devScore, err = t.evaluate(ctx)
			if err != nil {
				return nil, err
			}
		}
		res.Epochs = epoch

		// Plateau signal: dev metric when available, otherwise the
		// (negated) train loss.
		signal := devScore
		if !hasDev {
			signal = -trainLoss
		}

		improved := signal > best
		if improved {
			best = signal
			sinceImprove = 0
			if hasDev {
				res.BestScore = devScore
			}
			if err := t.checkpoint(ctx, epoch, devScore); err != nil {
				return nil, err
			}
			t.status = StatusCheckpointed
		} else {
			sinceImprove++
		}

		t.logCurve(ctx, epoch, trainLoss, devLoss, devScore, lr)
		t.log.Info("epoch complete",
			"run", t.runID,
			"epoch", epoch,
			"train_loss", trainLoss,
			"dev_loss", devLoss,
			"dev_score", devScore,
			"lr", lr,
			"improved", improved)

		if sinceImprove > t.cfg.Patience {
			lr *= t.cfg.AnnealFactor
			sinceImprove = 0
			t.log.Info("annealing learning rate", "run", t.runID, "lr", lr)
		}
		if lr < t.cfg.MinLearningRate {
			t.status = StatusEarlyStopped
			res.EarlyStopped = true
			break
		}
	}

	if t.status != StatusEarlyStopped {
		t.status = StatusTrained
	}
	res.FinalLearningRate = lr
	return res, nil
}

// runEpoch performs one pass of mini-batch SGD and returns the mean
// batch loss. Batches whose loss comes back non-finite, and batches
// containing an empty sentence, are skipped without an update.
func (t *Trainer) runEpoch(ctx context.Context, rng *rand.Rand, lr float64) (float64, error) {
	sentences := t.corpus.Train()
	if t.cfg.Shuffle {
		rng.Shuffle(len(sentences), func(i, j int) {
			sentences[i], sentences[j] = sentences[j], sentences[i]
		})
	}

	total, batches := 0.0, 0
	for start := 0; start < len(sentences); start += t.cfg.MiniBatchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		end := start + t.cfg.MiniBatchSize
		if end > len(sentences) {
			end = len(sentences)
		}
		loss, err := t.model.Loss(ctx, sentences[start:end])
		if errors.Is(err, corpus.ErrEmptySentence) {
			t.log.Warn("excluding batch with empty sentence", "run", t.runID, "batch_start", start)
			t.model.ZeroGrad()
			continue
		}
		if err != nil {
			return 0, err
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			t.log.Warn("skipping non-finite batch loss", "run", t.runID, "batch_start", start)
			t.model.ZeroGrad()
			continue
		}
		t.model.Update(lr)
		total += loss
		batches++
	}
	if batches == 0 {
		return math.NaN(), nil
	}
	return total / float64(batches), nil
}

// evaluate scores the dev split without touching the weights. Empty
// sentences are excluded from the evaluation.
func (t *Trainer) evaluate(ctx context.Context) (loss, score float64, err error) {
	dev := t.corpus.Dev()
	kept := make([]*corpus.Sentence, 0, len(dev))
	for _, s := range dev {
		if s.Len() == 0 {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) < len(dev) {
		t.log.Warn("excluding empty dev sentences", "run", t.runID, "excluded", len(dev)-len(kept))
	}
	dev = kept
	if err := t.model.Predict(ctx, dev...); err != nil {
		return 0, 0, err
	}
	score = t.model.Score(dev)
	loss, err = t.model.Loss(ctx, dev)
	if err != nil {
		return 0, 0, err
	}
	t.model.ZeroGrad() // evaluation must not leak gradients into training
	return loss, score, nil
}

// checkpoint persists the current weights as the run's best.
func (t *Trainer) checkpoint(ctx context.Context, epoch int, devScore float64) error {
	man := Manifest{
		RunID:             t.runID,
		CreatedAt:         time.Now().UTC(),
		Epoch:             epoch,
		DevScore:          devScore,
		EmbeddingIdentity: t.model.Embeddings().Identity(),
		Dictionary:        t.model.Dictionary().Items(),
		Config:            t.cfg,
	}
	return writeCheckpoint(ctx, t.store, t.prefix()+"/best", t.model, man)
}

// logCurve appends this epoch's row and rewrites the run's curve file.
// Rows are only ever appended, so the file is a faithful epoch-ordered
// history.
func (t *Trainer) logCurve(ctx context.Context, epoch int, trainLoss, devLoss, devScore, lr float64) {
	t.curve = append(t.curve, fmt.Sprintf("%d\t%.6f\t%.6f\t%.6f\t%.6f",
		epoch, trainLoss, devLoss, devScore, lr))
	data := []byte(strings.Join(t.curve, "\n") + "\n")
	if err := writeArtifact(ctx, t.store, t.prefix()+"/"+curveFile, data); err != nil {
		t.log.Warn("writing curve log", "run", t.runID, "error", err)
	}
}
