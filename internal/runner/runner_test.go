package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"gradflow/internal/config"
	"gradflow/internal/dataset"
	"gradflow/internal/notify"
	"gradflow/internal/tracking"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// writeTestCorpus generates a linearly separable two-class corpus.
func writeTestCorpus(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.csv")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create corpus: %v", err)
	}
	defer f.Close()

	write := func(split string, n int) {
		for i := 0; i < n; i++ {
			label := i % 2
			base := -1.0
			if label == 1 {
				base = 1.0
			}
			jitter := float64(i%5) * 0.01
			fmt.Fprintf(f, "%s,%d,%.3f,%.3f\n", split, label, base+jitter, base-jitter)
		}
	}
	write(dataset.SplitTrain, 40)
	write(dataset.SplitVal, 8)
	write(dataset.SplitTest, 8)
	return path
}

func testConfig(t *testing.T, corpus string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Experiment: "runner-test",
		Data: config.Data{
			Path:       corpus,
			BatchSize:  8,
			NumWorkers: 2,
			Seed:       7,
		},
		Model: config.Model{
			Type:       "mlp",
			HiddenSize: 8,
			NumClasses: 2,
		},
		Optimizer: config.Optimizer{Type: "adam", LR: 0.05},
		Loss:      config.Loss{Type: "cross_entropy"},
		Metrics:   []string{"accuracy"},
		Epochs:    4,
		Checkpoint: config.Checkpoint{
			Dir:          filepath.Join(dir, "checkpoints"),
			Prefix:       "experiment",
			SaveInterval: 2,
			Keep:         2,
		},
		Logs:       filepath.Join(dir, "logs"),
		TrackingDB: ":memory:",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestRunnerPipeline(t *testing.T) {
	var mu sync.Mutex
	var phases []notify.Phase
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode notification: %v", err)
		}
		mu.Lock()
		phases = append(phases, p.Phase)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg := testConfig(t, writeTestCorpus(t))
	cfg.WebhookURL = hook.URL

	store, err := tracking.NewSQLiteStore(cfg.TrackingDB)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	r, err := New(cfg, store, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run, err := store.GetRun(ctx, r.RunID())
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != tracking.StatusCompleted {
		t.Errorf("run status = %q, want completed", run.Status)
	}
	if run.StartedAt == nil || run.FinishedAt == nil {
		t.Errorf("run timestamps missing: %+v", run)
	}

	records, err := store.GetEpochs(ctx, r.RunID())
	if err != nil {
		t.Fatalf("GetEpochs: %v", err)
	}
	counts := map[string]int{}
	bestVal := math.Inf(-1)
	for _, rec := range records {
		counts[rec.Split]++
		if rec.Split == dataset.SplitVal && -rec.Loss > bestVal {
			bestVal = -rec.Loss
		}
	}
	if counts[dataset.SplitTrain] != 4 || counts[dataset.SplitVal] != 4 || counts[dataset.SplitTest] != 1 {
		t.Errorf("epoch records by split = %v, want train:4 val:4 test:1", counts)
	}
	// Best score is the best validation score across epochs, not the last.
	if run.BestScore == nil || math.Abs(*run.BestScore-bestVal) > 1e-9 {
		t.Errorf("best score = %v, want %f", run.BestScore, bestVal)
	}

	// Interval-2 checkpoints for epochs 2 and 4.
	matches, err := filepath.Glob(filepath.Join(cfg.Checkpoint.Dir, "experiment_model_*.json"))
	if err != nil {
		t.Fatalf("glob checkpoints: %v", err)
	}
	if len(matches) != 2 {
		t.Errorf("got %d checkpoints, want 2: %v", len(matches), matches)
	}

	events, err := filepath.Glob(filepath.Join(cfg.Logs, "events-*.jsonl"))
	if err != nil {
		t.Fatalf("glob events: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("got %d event files, want 1", len(events))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(phases) != 2 || phases[0] != notify.PhaseStarted || phases[1] != notify.PhaseCompleted {
		t.Errorf("notification phases = %v, want [started completed]", phases)
	}
}

func TestRunnerTrainingImprovesAccuracy(t *testing.T) {
	cfg := testConfig(t, writeTestCorpus(t))

	store, err := tracking.NewSQLiteStore(cfg.TrackingDB)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	r, err := New(cfg, store, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	records, err := store.GetEpochs(context.Background(), r.RunID())
	if err != nil {
		t.Fatalf("GetEpochs: %v", err)
	}
	var testAcc float64
	found := false
	for _, rec := range records {
		if rec.Split == dataset.SplitTest {
			testAcc = rec.Metrics["accuracy"]
			found = true
		}
	}
	if !found {
		t.Fatalf("no test split record")
	}
	// The corpus is linearly separable; a trained MLP should beat chance.
	if testAcc <= 0.5 {
		t.Errorf("test accuracy = %f, want > 0.5", testAcc)
	}
}

func TestRunnerRejectsUnknownModel(t *testing.T) {
	cfg := testConfig(t, writeTestCorpus(t))
	cfg.Model.Type = "transformer"

	store, err := tracking.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	if _, err := New(cfg, store, testLogger()); err == nil {
		t.Fatalf("expected error for unknown model type")
	}
}

func TestRunnerRejectsOutOfRangeLabels(t *testing.T) {
	corpus := filepath.Join(t.TempDir(), "corpus.csv")
	rows := "train,0,0.1,0.2\ntrain,5,0.3,0.4\nval,1,0.5,0.6\n"
	if err := os.WriteFile(corpus, []byte(rows), 0o644); err != nil {
		t.Fatalf("write corpus: %v", err)
	}
	cfg := testConfig(t, corpus)

	store, err := tracking.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	if _, err := New(cfg, store, testLogger()); err == nil {
		t.Fatalf("expected error for label 5 with 2 classes")
	}
}

func TestRunnerTestEvalDoesNotFeedEarlyStopping(t *testing.T) {
	// The test split is mislabeled so it scores far worse than
	// validation; it must not advance the patience counter.
	corpus := filepath.Join(t.TempDir(), "corpus.csv")
	f, err := os.Create(corpus)
	if err != nil {
		t.Fatalf("create corpus: %v", err)
	}
	for i := 0; i < 20; i++ {
		label := i % 2
		base := -1.0
		if label == 1 {
			base = 1.0
		}
		fmt.Fprintf(f, "train,%d,%.1f,%.1f\n", label, base, base)
	}
	fmt.Fprintf(f, "val,0,-1.0,-1.0\nval,1,1.0,1.0\n")
	fmt.Fprintf(f, "test,1,-1.0,-1.0\ntest,0,1.0,1.0\n")
	f.Close()

	cfg := testConfig(t, corpus)
	cfg.Epochs = 1
	cfg.EarlyStopping.Patience = 1

	store, err := tracking.NewSQLiteStore(cfg.TrackingDB)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	r, err := New(cfg, store, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := r.stopper.BadRounds(); got != 0 {
		t.Errorf("bad rounds = %d after test evaluation, want 0", got)
	}
}

func TestRunnerRejectsInputSizeMismatch(t *testing.T) {
	cfg := testConfig(t, writeTestCorpus(t))
	cfg.Model.InputSize = 64 // corpus has 2 features

	store, err := tracking.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	if _, err := New(cfg, store, testLogger()); err == nil {
		t.Fatalf("expected error for input size mismatch")
	}
}

func TestRunnerStatusSnapshot(t *testing.T) {
	cfg := testConfig(t, writeTestCorpus(t))

	store, err := tracking.NewSQLiteStore(cfg.TrackingDB)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()

	r, err := New(cfg, store, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	status := r.Status()
	if status.RunID != r.RunID() || status.Experiment != "runner-test" {
		t.Errorf("status identity = %+v", status)
	}
	if status.Epoch != 4 {
		t.Errorf("status epoch = %d, want 4", status.Epoch)
	}
	if len(status.Validation) == 0 {
		t.Errorf("status has no validation metrics")
	}
}