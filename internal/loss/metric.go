package loss

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Metric scores a batch of logits against targets.
type Metric func(logits *mat.Dense, targets []int) float64

// MetricByName resolves a configured metric. maskIndex < 0 disables
// masking.
func MetricByName(name string, maskIndex int) (Metric, error) {
	switch name {
	case "accuracy":
		return Accuracy(maskIndex), nil
	default:
		return nil, fmt.Errorf("loss: unknown metric %q", name)
	}
}

// Accuracy returns the fraction of unmasked samples whose argmax logit
// matches the target.
func Accuracy(maskIndex int) Metric {
	return func(logits *mat.Dense, targets []int) float64 {
		rows, cols := logits.Dims()
		valid := 0
		correct := 0
		for i := 0; i < rows; i++ {
			t := targets[i]
			if maskIndex >= 0 && t == maskIndex {
				continue
			}
			best := 0
			for j := 1; j < cols; j++ {
				if logits.At(i, j) > logits.At(i, best) {
					best = j
				}
			}
			if best == t {
				correct++
			}
			valid++
		}
		if valid == 0 {
			return 0
		}
		return float64(correct) / float64(valid)
	}
}
