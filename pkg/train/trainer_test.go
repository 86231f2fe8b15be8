package train

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/haivivi/seqlab/pkg/corpus"
	"github.com/haivivi/seqlab/pkg/embed"
	"github.com/haivivi/seqlab/pkg/model"
	"github.com/haivivi/seqlab/pkg/storage"
)

// fakeModel scripts dev scores per epoch so plateau and annealing
// behavior can be asserted exactly.
type fakeModel struct {
	emb  embed.Embedder
	dict *corpus.Dictionary

	scores []float64 // dev score per evaluation, last value repeats
	evals  int

	losses    []float64 // batch loss per Loss call, 1.0 after exhaustion
	lossCalls int

	batchSizes []int
	updates    []float64 // lr of each SGD step
	zeroed     int

	state    []byte
	loadErr  error
	stateErr error
}

func newFakeModel(scores ...float64) *fakeModel {
	d := corpus.NewDictionary()
	d.Add("O")
	d.Add("B-X")
	return &fakeModel{
		emb:    embed.NewWord(embed.WithDim(8)),
		dict:   d,
		scores: scores,
		state:  []byte("weights"),
	}
}

func (f *fakeModel) Embeddings() embed.Embedder { return f.emb }

func (f *fakeModel) SetEmbeddings(e embed.Embedder) error {
	if e.Identity() != f.emb.Identity() {
		return errors.New("identity mismatch")
	}
	f.emb = e
	return nil
}

func (f *fakeModel) Dictionary() *corpus.Dictionary { return f.dict }

func (f *fakeModel) Loss(_ context.Context, sentences []*corpus.Sentence) (float64, error) {
	for _, s := range sentences {
		if s.Len() == 0 {
			return 0, fmt.Errorf("model: %w", corpus.ErrEmptySentence)
		}
	}
	f.batchSizes = append(f.batchSizes, len(sentences))
	loss := 1.0
	if f.lossCalls < len(f.losses) {
		loss = f.losses[f.lossCalls]
	}
	f.lossCalls++
	return loss, nil
}

func (f *fakeModel) Update(lr float64) { f.updates = append(f.updates, lr) }
func (f *fakeModel) ZeroGrad() { f.zeroed++ }

func (f *fakeModel) Predict(context.Context, ...*corpus.Sentence) error { return nil }

func (f *fakeModel) Score([]*corpus.Sentence) float64 {
	i := f.evals
	if i >= len(f.scores) {
		i = len(f.scores) - 1
	}
	f.evals++
	return f.scores[i]
}

func (f *fakeModel) StateBytes() ([]byte, error) { return f.state, f.stateErr }
func (f *fakeModel) LoadStateBytes(b []byte) error { f.state = b; return f.loadErr }

var _ model.Model = (*fakeModel)(nil)

func testCorpus(train, dev int) *corpus.Corpus {
	mk := func(n int) []*corpus.Sentence {
		out := make([]*corpus.Sentence, n)
		for i := range out {
			s := corpus.NewSentence("w")
			s.Token(0).SetTag("t", "O")
			out[i] = s
		}
		return out
	}
	return corpus.New(mk(train), mk(dev), nil)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MiniBatchSize = 4
	cfg.MaxEpochs = 10
	cfg.Patience = 1
	cfg.EmbeddingsInMemory = false
	cfg.CheckpointPath = "run"
	return cfg
}

func newTestStore(t *testing.T) storage.FileStore {
	t.Helper()
	s, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTrainerBatchPartitioning(t *testing.T) {
	m := newFakeModel(1.0)
	cfg := testConfig()
	cfg.MaxEpochs = 1
	tr, err := NewTrainer(m, testCorpus(10, 2), newTestStore(t), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Train(context.Background()); err != nil {
		t.Fatal(err)
	}
	// 10 train sentences at batch size 4: 4, 4, then the partial 2,
	// followed by one dev-eval batch of 2.
	want := []int{4, 4, 2, 2}
	if len(m.batchSizes) != len(want) {
		t.Fatalf("batch sizes %v, want %v", m.batchSizes, want)
	}
	for i, n := range want {
		if m.batchSizes[i] != n {
			t.Fatalf("batch sizes %v, want %v", m.batchSizes, want)
		}
	}
	// Only the three train batches trigger updates.
	if len(m.updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(m.updates))
	}
}

func TestTrainerExcludesEmptySentenceBatches(t *testing.T) {
	m := newFakeModel(0.5)
	cfg := testConfig()
	cfg.MiniBatchSize = 1
	cfg.MaxEpochs = 1
	train := []*corpus.Sentence{
		corpus.NewSentence("one"),
		corpus.NewSentence(), // zero tokens
		corpus.NewSentence("two"),
	}
	dev := []*corpus.Sentence{
		corpus.NewSentence("three"),
		corpus.NewSentence(), // zero tokens
	}
	tr, err := NewTrainer(m, corpus.New(train, dev, nil), newTestStore(t), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Train(context.Background()); err != nil {
		t.Fatalf("empty sentence aborted the run: %v", err)
	}
	// Two non-empty train batches step; the degenerate one is dropped
	// with its gradients.
	if len(m.updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(m.updates))
	}
	// One ZeroGrad for the excluded batch, one after dev evaluation.
	if m.zeroed != 2 {
		t.Fatalf("ZeroGrad called %d times, want 2", m.zeroed)
	}
	// The dev evaluation sees only the non-empty sentence.
	last := m.batchSizes[len(m.batchSizes)-1]
	if last != 1 {
		t.Fatalf("dev evaluation batch size %d, want 1", last)
	}
}

func TestTrainerSkipsNonFiniteBatchLoss(t *testing.T) {
	m := newFakeModel(0.5)
	m.losses = []float64{math.NaN(), 2.0}
	cfg := testConfig()
	cfg.MaxEpochs = 1
	store := newTestStore(t)
	tr, err := NewTrainer(m, testCorpus(8, 0), store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Train(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Only the finite batch steps; the NaN batch drops its gradients.
	if len(m.updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(m.updates))
	}
	if m.zeroed != 1 {
		t.Fatalf("ZeroGrad called %d times, want 1", m.zeroed)
	}

	// The epoch mean excludes the skipped batch.
	ctx := context.Background()
	r, err := store.Read(ctx, "run/curve.tsv")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("curve has %d lines, want 2:\n%s", len(lines), data)
	}
	if got := strings.Split(lines[1], "\t")[1]; got != "2.000000" {
		t.Fatalf("train loss %q, want %q", got, "2.000000")
	}
}

func TestTrainerAnnealsAfterPlateau(t *testing.T) {
	// Epoch 1 improves (any score beats -Inf); every later epoch is
	// flat. With patience 1, the rate halves after epoch 3 (two flat
	// epochs), so epoch 4 trains at half rate.
	m := newFakeModel(0.8)
	cfg := testConfig()
	cfg.MaxEpochs = 4
	tr, err := NewTrainer(m, testCorpus(4, 2), newTestStore(t), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Train(context.Background()); err != nil {
		t.Fatal(err)
	}
	wantLRs := []float64{0.1, 0.1, 0.1, 0.05}
	if len(m.updates) != len(wantLRs) {
		t.Fatalf("got %d updates, want %d", len(m.updates), len(wantLRs))
	}
	for i, lr := range wantLRs {
		if math.Abs(m.updates[i]-lr) > 1e-12 {
			t.Fatalf("epoch %d trained at lr %g, want %g", i+1, m.updates[i], lr)
		}
	}
}

func TestTrainerStopsAtLearningRateFloor(t *testing.T) {
	m := newFakeModel(0.8)
	cfg := testConfig()
	cfg.MaxEpochs = 100
	cfg.MinLearningRate = 0.04 // one anneal (0.1 -> 0.05) survives, two do not
	tr, err := NewTrainer(m, testCorpus(4, 2), newTestStore(t), cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.EarlyStopped {
		t.Fatal("expected early stop at learning-rate floor")
	}
	if res.Epochs >= 100 {
		t.Fatalf("ran %d epochs, expected floor to stop the run", res.Epochs)
	}
	if tr.Status() != StatusEarlyStopped {
		t.Fatalf("status %q, want %q", tr.Status(), StatusEarlyStopped)
	}
	if res.FinalLearningRate >= cfg.MinLearningRate {
		t.Fatalf("final lr %g, want below floor %g", res.FinalLearningRate, cfg.MinLearningRate)
	}
}

func TestTrainerRunsToMaxEpochs(t *testing.T) {
	// Strictly improving scores: never a plateau, never an anneal.
	m := newFakeModel(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95)
	cfg := testConfig()
	tr, err := NewTrainer(m, testCorpus(4, 2), newTestStore(t), cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.EarlyStopped {
		t.Fatal("unexpected early stop")
	}
	if res.Epochs != cfg.MaxEpochs {
		t.Fatalf("ran %d epochs, want %d", res.Epochs, cfg.MaxEpochs)
	}
	if res.BestScore != 0.95 {
		t.Fatalf("best score %g, want 0.95", res.BestScore)
	}
	if tr.Status() != StatusTrained {
		t.Fatalf("status %q, want %q", tr.Status(), StatusTrained)
	}
}

func TestTrainerCurveLogOneRowPerEpoch(t *testing.T) {
	m := newFakeModel(0.5)
	cfg := testConfig()
	cfg.MaxEpochs = 3
	store := newTestStore(t)
	tr, err := NewTrainer(m, testCorpus(4, 2), store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Train(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r, err := store.Read(ctx, "run/curve.tsv")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1+3 { // header plus one row per epoch
		t.Fatalf("curve has %d lines, want 4:\n%s", len(lines), data)
	}
	for i, line := range lines[1:] {
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			t.Fatalf("row %d has %d columns, want 5: %q", i+1, len(fields), line)
		}
		if fields[0] != strconv.Itoa(i+1) {
			t.Fatalf("row %d starts with epoch %q, want %d", i+1, fields[0], i+1)
		}
	}
}

func TestTrainerCheckpointsOnImprovement(t *testing.T) {
	m := newFakeModel(0.5, 0.9)
	cfg := testConfig()
	cfg.MaxEpochs = 2
	store := newTestStore(t)
	tr, err := NewTrainer(m, testCorpus(4, 2), store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := tr.Train(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	man, err := ReadManifest(ctx, store, "run/best")
	if err != nil {
		t.Fatal(err)
	}
	if man.Epoch != 2 || man.DevScore != 0.9 {
		t.Fatalf("manifest epoch %d score %g, want 2 and 0.9", man.Epoch, man.DevScore)
	}
	if man.RunID != res.RunID {
		t.Fatalf("manifest run %q, result run %q", man.RunID, res.RunID)
	}
	if man.EmbeddingIdentity != m.Embeddings().Identity() {
		t.Fatalf("manifest identity %q, want %q", man.EmbeddingIdentity, m.Embeddings().Identity())
	}
}

func TestTrainerCheckpointFailureIsFatal(t *testing.T) {
	m := newFakeModel(0.5)
	m.stateErr = errors.New("serialization broken")
	cfg := testConfig()
	tr, err := NewTrainer(m, testCorpus(4, 2), newTestStore(t), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Train(context.Background()); err == nil {
		t.Fatal("expected checkpoint failure to abort the run")
	}
}

func TestResumeValidatesDictionary(t *testing.T) {
	m := newFakeModel(0.5)
	cfg := testConfig()
	cfg.MaxEpochs = 1
	store := newTestStore(t)
	tr, err := NewTrainer(m, testCorpus(4, 2), store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Train(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	// Same dictionary resumes cleanly.
	again := newFakeModel(0.5)
	man, err := Resume(ctx, store, "run/best", again)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if string(again.state) != "weights" {
		t.Fatalf("restored state %q, want %q", again.state, "weights")
	}
	if man.Epoch != 1 {
		t.Fatalf("manifest epoch %d, want 1", man.Epoch)
	}

	// A different label space must be refused.
	other := newFakeModel(0.5)
	other.dict = corpus.NewDictionary()
	other.dict.Add("B-Y")
	if _, err := Resume(ctx, store, "run/best", other); !errors.Is(err, ErrDictionaryMismatch) {
		t.Fatalf("expected ErrDictionaryMismatch, got %v", err)
	}
}

func TestCheckpointDiscovery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, path := range []string{"runs/alpha", "runs/beta"} {
		m := newFakeModel(0.5)
		cfg := testConfig()
		cfg.MaxEpochs = 1
		cfg.CheckpointPath = path
		tr, err := NewTrainer(m, testCorpus(4, 2), store, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := tr.Train(ctx); err != nil {
			t.Fatal(err)
		}
	}

	got, err := Checkpoints(ctx, store, "runs")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"runs/alpha/best", "runs/beta/best"}
	if len(got) != len(want) {
		t.Fatalf("checkpoints %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("checkpoints %v, want %v", got, want)
		}
	}

	// A discovered prefix resumes directly.
	m := newFakeModel(0.5)
	if _, err := Resume(ctx, store, got[0], m); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Nothing under an unused prefix.
	none, err := Checkpoints(ctx, store, "elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("checkpoints %v, want none", none)
	}
}

func TestNewTrainerRejectsEmptyTrainSplit(t *testing.T) {
	m := newFakeModel(0.5)
	if _, err := NewTrainer(m, testCorpus(0, 2), newTestStore(t), testConfig()); !errors.Is(err, ErrNoTrainData) {
		t.Fatalf("expected ErrNoTrainData, got %v", err)
	}
}
