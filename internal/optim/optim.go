package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"gradflow/internal/model"
)

// Optimizer applies accumulated gradients to parameters.
type Optimizer interface {
	Step(params []*model.Param)
	LearningRate() float64
}

// Options carries the configured optimizer knobs.
type Options struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
}

// ByName resolves a configured optimizer.
func ByName(name string, opts Options) (Optimizer, error) {
	switch name {
	case "sgd":
		return NewSGD(opts.LR, opts.Momentum, opts.WeightDecay), nil
	case "adam":
		return NewAdam(opts.LR, opts.WeightDecay), nil
	default:
		return nil, fmt.Errorf("optim: unknown optimizer %q", name)
	}
}

// ClipNorm scales gradients so their global L2 norm does not exceed
// maxNorm. It returns the pre-clip norm.
func ClipNorm(params []*model.Param, maxNorm float64) float64 {
	sum := 0.0
	for _, p := range params {
		rows, cols := p.Grad.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				g := p.Grad.At(i, j)
				sum += g * g
			}
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		p.Grad.Scale(scale, p.Grad)
	}
	return norm
}

// GradNorm returns the global L2 norm of all gradients.
func GradNorm(params []*model.Param) float64 {
	return ClipNorm(params, 0)
}

// ParamNorm returns the global L2 norm of all parameter values.
func ParamNorm(params []*model.Param) float64 {
	sum := 0.0
	for _, p := range params {
		sum += math.Pow(mat.Norm(p.Value, 2), 2)
	}
	return math.Sqrt(sum)
}
