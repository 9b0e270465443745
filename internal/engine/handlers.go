package engine

import (
	"math"

	"github.com/sirupsen/logrus"
)

// TerminateOnNaN returns a handler that stops the engine when the last
// iteration output is NaN or infinite. Attach to IterationCompleted.
func TerminateOnNaN(logger logrus.FieldLogger) Handler {
	return func(e *Engine) {
		out := e.State().Output
		if math.IsNaN(out) || math.IsInf(out, 0) {
			logger.WithFields(logrus.Fields{
				"iteration": e.State().Iteration,
				"output":    out,
			}).Warn("non-finite loss, terminating")
			e.Terminate()
		}
	}
}

// EarlyStopping terminates a trainer when an evaluation score stops
// improving. Attach its Handler to the evaluator's Completed event; the
// tracker persists across evaluator runs.
type EarlyStopping struct {
	Patience int
	Score    func(*State) float64
	Trainer  *Engine
	Logger   logrus.FieldLogger

	best      float64
	badRounds int
	started   bool
}

// NewEarlyStopping builds a tracker with the given patience. A
// non-positive patience defaults to 10.
func NewEarlyStopping(patience int, score func(*State) float64, trainer *Engine, logger logrus.FieldLogger) *EarlyStopping {
	if patience <= 0 {
		patience = 10
	}
	return &EarlyStopping{
		Patience: patience,
		Score:    score,
		Trainer:  trainer,
		Logger:   logger,
	}
}

// Handler returns the event handler for the evaluator.
func (es *EarlyStopping) Handler() Handler {
	return func(e *Engine) {
		score := es.Score(e.State())
		if !es.started || score > es.best {
			es.best = score
			es.badRounds = 0
			es.started = true
			return
		}
		es.badRounds++
		if es.badRounds >= es.Patience {
			es.Logger.WithFields(logrus.Fields{
				"patience":   es.Patience,
				"best_score": es.best,
			}).Info("early stopping")
			es.Trainer.Terminate()
		}
	}
}

// BadRounds reports how many consecutive evaluations failed to improve.
func (es *EarlyStopping) BadRounds() int { return es.badRounds }

// Best returns the best score seen so far and whether any score has been
// recorded.
func (es *EarlyStopping) Best() (float64, bool) {
	return es.best, es.started
}
