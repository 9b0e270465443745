package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"gradflow/internal/model"
)

// Event names the points in the run loop where handlers fire.
type Event string

// Engine lifecycle events, fired in this order within a run.
const (
	Started            Event = "started"
	EpochStarted       Event = "epoch_started"
	IterationStarted   Event = "iteration_started"
	IterationCompleted Event = "iteration_completed"
	EpochCompleted     Event = "epoch_completed"
	Completed          Event = "completed"
)

// Process computes one batch and returns the engine output, typically the
// reported batch loss.
type Process func(ctx context.Context, batch model.Batch) (float64, error)

// Handler reacts to an engine event.
type Handler func(e *Engine)

// BatchProvider yields one epoch of batches per Batches call.
type BatchProvider interface {
	Batches(ctx context.Context) (<-chan model.Batch, <-chan error)
	Len() int
}

// State is the mutable run state visible to handlers.
type State struct {
	Epoch          int
	MaxEpochs      int
	Iteration      int // global across the run
	EpochIteration int // batch index within the current epoch, 1-based
	Output         float64
	Metrics        map[string]float64
}

// Engine drives epoch/iteration loops over a batch provider and
// dispatches registered event handlers.
type Engine struct {
	name       string
	process    Process
	handlers   map[Event][]Handler
	state      State
	terminated bool
	logger     logrus.FieldLogger
}

// New creates an engine around a process function.
func New(name string, process Process, logger logrus.FieldLogger) *Engine {
	return &Engine{
		name:     name,
		process:  process,
		handlers: make(map[Event][]Handler),
		logger:   logger.WithField("engine", name),
	}
}

// Name returns the engine name.
func (e *Engine) Name() string { return e.name }

// State returns the current run state.
func (e *Engine) State() *State { return &e.state }

// On registers a handler for an event. Handlers fire in registration
// order.
func (e *Engine) On(ev Event, h Handler) {
	e.handlers[ev] = append(e.handlers[ev], h)
}

// Terminate requests a stop after the current iteration completes. The
// request persists until the next Run.
func (e *Engine) Terminate() {
	e.terminated = true
	e.logger.WithField("epoch", e.state.Epoch).Info("termination requested")
}

// Terminated reports whether a stop has been requested.
func (e *Engine) Terminated() bool { return e.terminated }

func (e *Engine) fire(ev Event) {
	for _, h := range e.handlers[ev] {
		h(e)
	}
}

// Run executes maxEpochs epochs over the provider, firing handlers at
// each lifecycle point. The returned state is valid after completion.
func (e *Engine) Run(ctx context.Context, provider BatchProvider, maxEpochs int) (*State, error) {
	if maxEpochs <= 0 {
		return nil, fmt.Errorf("engine %s: max epochs must be > 0 (got %d)", e.name, maxEpochs)
	}
	e.state = State{
		MaxEpochs: maxEpochs,
		Metrics:   make(map[string]float64),
	}
	e.terminated = false

	e.fire(Started)
	for epoch := 1; epoch <= maxEpochs && !e.terminated; epoch++ {
		e.state.Epoch = epoch
		e.state.EpochIteration = 0
		e.fire(EpochStarted)

		// Per-epoch context so an early terminate releases the provider
		// goroutines.
		epochCtx, cancel := context.WithCancel(ctx)
		batches, errCh := provider.Batches(epochCtx)
		err := e.runEpoch(epochCtx, batches, errCh)
		cancel()
		if err != nil {
			return &e.state, err
		}

		e.fire(EpochCompleted)
	}
	e.fire(Completed)
	return &e.state, nil
}

func (e *Engine) runEpoch(ctx context.Context, batches <-chan model.Batch, errCh <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("engine %s: %w", e.name, err)
			}
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			e.state.Iteration++
			e.state.EpochIteration++
			e.fire(IterationStarted)

			out, err := e.process(ctx, batch)
			if err != nil {
				return fmt.Errorf("engine %s: iteration %d: %w", e.name, e.state.Iteration, err)
			}
			e.state.Output = out
			e.fire(IterationCompleted)

			if e.terminated {
				return nil
			}
		}
	}
}
