package dataset

import (
	"context"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"gradflow/internal/model"
)

// Loader yields one epoch of minibatches per Batches call. When shuffle
// is enabled the sample order is reseeded deterministically per epoch.
type Loader struct {
	samples   []Sample
	batchSize int
	seed      int64
	shuffle   bool
	epoch     int64
}

// NewLoader builds a loader over samples.
func NewLoader(samples []Sample, batchSize int, seed int64, shuffle bool) *Loader {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Loader{
		samples:   samples,
		batchSize: batchSize,
		seed:      seed,
		shuffle:   shuffle,
	}
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	n := len(l.samples)
	return (n + l.batchSize - 1) / l.batchSize
}

// NumSamples returns the number of samples per epoch.
func (l *Loader) NumSamples() int { return len(l.samples) }

// Batches streams one epoch of batches. The error channel carries at
// most one value and both channels close when the epoch ends.
func (l *Loader) Batches(ctx context.Context) (<-chan model.Batch, <-chan error) {
	out := make(chan model.Batch)
	errCh := make(chan error, 1)

	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	if l.shuffle {
		rng := rand.New(rand.NewSource(l.seed + l.epoch))
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	l.epoch++

	go func() {
		defer close(out)
		defer close(errCh)
		for start := 0; start < len(order); start += l.batchSize {
			end := start + l.batchSize
			if end > len(order) {
				end = len(order)
			}
			batch := l.assemble(order[start:end])
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

func (l *Loader) assemble(indices []int) model.Batch {
	dim := len(l.samples[indices[0]].Features)
	inputs := mat.NewDense(len(indices), dim, nil)
	targets := make([]int, len(indices))
	for row, idx := range indices {
		inputs.SetRow(row, l.samples[idx].Features)
		targets[row] = l.samples[idx].Label
	}
	return model.Batch{Inputs: inputs, Targets: targets}
}
