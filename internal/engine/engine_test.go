package engine

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"gradflow/internal/model"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// sliceProvider yields a fixed batch n times per epoch.
type sliceProvider struct {
	batches int
}

func (p *sliceProvider) Len() int { return p.batches }

func (p *sliceProvider) Batches(ctx context.Context) (<-chan model.Batch, <-chan error) {
	out := make(chan model.Batch)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for i := 0; i < p.batches; i++ {
			batch := model.Batch{
				Inputs:  mat.NewDense(1, 2, []float64{1, 2}),
				Targets: []int{0},
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- batch:
			}
		}
	}()
	return out, errCh
}

func TestEngineEventOrder(t *testing.T) {
	var events []Event
	record := func(ev Event) Handler {
		return func(*Engine) { events = append(events, ev) }
	}

	e := New("test", func(context.Context, model.Batch) (float64, error) {
		return 0.5, nil
	}, testLogger())
	for _, ev := range []Event{Started, EpochStarted, IterationStarted, IterationCompleted, EpochCompleted, Completed} {
		e.On(ev, record(ev))
	}

	state, err := e.Run(context.Background(), &sliceProvider{batches: 2}, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Epoch != 2 || state.Iteration != 4 {
		t.Fatalf("state epoch=%d iteration=%d, want 2/4", state.Epoch, state.Iteration)
	}

	want := []Event{
		Started,
		EpochStarted, IterationStarted, IterationCompleted, IterationStarted, IterationCompleted, EpochCompleted,
		EpochStarted, IterationStarted, IterationCompleted, IterationStarted, IterationCompleted, EpochCompleted,
		Completed,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestEngineProcessError(t *testing.T) {
	boom := errors.New("boom")
	e := New("test", func(context.Context, model.Batch) (float64, error) {
		return 0, boom
	}, testLogger())

	_, err := e.Run(context.Background(), &sliceProvider{batches: 1}, 1)
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
}

func TestEngineTerminateStopsMidEpoch(t *testing.T) {
	calls := 0
	e := New("test", func(context.Context, model.Batch) (float64, error) {
		calls++
		return 1, nil
	}, testLogger())
	e.On(IterationCompleted, func(e *Engine) {
		if e.State().Iteration == 3 {
			e.Terminate()
		}
	})

	if _, err := e.Run(context.Background(), &sliceProvider{batches: 10}, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 3 {
		t.Fatalf("process ran %d times, want 3", calls)
	}
}

func TestTerminateOnNaN(t *testing.T) {
	iter := 0
	e := New("test", func(context.Context, model.Batch) (float64, error) {
		iter++
		if iter == 2 {
			return math.NaN(), nil
		}
		return 0.1, nil
	}, testLogger())
	e.On(IterationCompleted, TerminateOnNaN(testLogger()))

	if _, err := e.Run(context.Background(), &sliceProvider{batches: 10}, 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if iter != 2 {
		t.Fatalf("process ran %d times, want 2", iter)
	}
	if !e.Terminated() {
		t.Fatalf("engine was not terminated")
	}
}

func TestEarlyStoppingTerminatesTrainer(t *testing.T) {
	trainer := New("trainer", func(context.Context, model.Batch) (float64, error) {
		return 1, nil
	}, testLogger())

	scores := []float64{-1.0, -0.5, -0.6, -0.7, -0.8}
	idx := 0
	es := NewEarlyStopping(3, func(*State) float64 {
		s := scores[idx]
		idx++
		return s
	}, trainer, testLogger())
	h := es.Handler()

	for i := 0; i < len(scores); i++ {
		h(trainer)
	}

	if es.BadRounds() != 3 {
		t.Fatalf("bad rounds = %d, want 3", es.BadRounds())
	}
	if !trainer.Terminated() {
		t.Fatalf("trainer was not terminated")
	}
}

func TestEarlyStoppingTracksBestScore(t *testing.T) {
	trainer := New("trainer", func(context.Context, model.Batch) (float64, error) {
		return 1, nil
	}, testLogger())

	scores := []float64{-1.0, -0.4, -0.6, -0.5}
	idx := 0
	es := NewEarlyStopping(10, func(*State) float64 {
		s := scores[idx]
		idx++
		return s
	}, trainer, testLogger())

	if _, ok := es.Best(); ok {
		t.Fatalf("Best reported a score before any evaluation")
	}

	h := es.Handler()
	for i := 0; i < len(scores); i++ {
		h(trainer)
	}

	best, ok := es.Best()
	if !ok || best != -0.4 {
		t.Fatalf("Best = %f/%v, want -0.4/true", best, ok)
	}
}

func TestEarlyStoppingResetsOnImprovement(t *testing.T) {
	trainer := New("trainer", func(context.Context, model.Batch) (float64, error) {
		return 1, nil
	}, testLogger())

	scores := []float64{-1.0, -1.1, -0.9, -1.0, -1.2}
	idx := 0
	es := NewEarlyStopping(3, func(*State) float64 {
		s := scores[idx]
		idx++
		return s
	}, trainer, testLogger())
	h := es.Handler()

	for i := 0; i < len(scores); i++ {
		h(trainer)
	}

	if trainer.Terminated() {
		t.Fatalf("trainer terminated despite improvement inside patience window")
	}
}
