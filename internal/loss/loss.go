package loss

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Loss computes a scalar batch loss and its gradient with respect to the
// logits.
type Loss interface {
	Compute(logits *mat.Dense, targets []int) (float64, *mat.Dense)
}

// ByName resolves a configured loss. maskIndex < 0 disables masking.
func ByName(name string, maskIndex int) (Loss, error) {
	switch name {
	case "cross_entropy":
		return &CrossEntropy{MaskIndex: maskIndex}, nil
	case "mse":
		return &MSE{}, nil
	default:
		return nil, fmt.Errorf("loss: unknown loss %q", name)
	}
}

// CrossEntropy is softmax cross-entropy over integer class targets.
// Targets equal to MaskIndex contribute neither loss nor gradient.
type CrossEntropy struct {
	MaskIndex int
}

// Compute returns the mean loss over unmasked samples and the logit
// gradient, already scaled by the number of contributing samples.
func (ce *CrossEntropy) Compute(logits *mat.Dense, targets []int) (float64, *mat.Dense) {
	rows, cols := logits.Dims()
	grad := mat.NewDense(rows, cols, nil)

	valid := 0
	total := 0.0
	for i := 0; i < rows; i++ {
		t := targets[i]
		if ce.MaskIndex >= 0 && t == ce.MaskIndex {
			continue
		}
		probs := softmaxRow(logits, i)
		total += -math.Log(math.Max(probs[t], 1e-12))
		for j := 0; j < cols; j++ {
			g := probs[j]
			if j == t {
				g -= 1
			}
			grad.Set(i, j, g)
		}
		valid++
	}
	if valid == 0 {
		return 0, grad
	}
	grad.Scale(1/float64(valid), grad)
	return total / float64(valid), grad
}

// MSE is mean squared error against one-hot targets.
type MSE struct{}

// Compute returns the mean squared error and its logit gradient.
func (MSE) Compute(logits *mat.Dense, targets []int) (float64, *mat.Dense) {
	rows, cols := logits.Dims()
	grad := mat.NewDense(rows, cols, nil)

	total := 0.0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			want := 0.0
			if j == targets[i] {
				want = 1.0
			}
			diff := logits.At(i, j) - want
			total += diff * diff
			grad.Set(i, j, 2*diff/float64(rows*cols))
		}
	}
	return total / float64(rows*cols), grad
}

func softmaxRow(logits *mat.Dense, row int) []float64 {
	out := mat.Row(nil, row, logits)
	maxLogit := floats.Max(out)
	for j, v := range out {
		out[j] = math.Exp(v - maxLogit)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}
