package loss

import (
	"fmt"
	"math"

	"gradflow/internal/model"
)

// Regularizer computes a weight penalty added to the reported batch loss.
// The penalty is informational only and is not backpropagated.
type Regularizer struct {
	Kind  string // "l1" or "l2"
	Alpha float64
}

// NewRegularizer validates and builds a regularizer.
func NewRegularizer(kind string, alpha float64) (*Regularizer, error) {
	switch kind {
	case "l1", "l2":
		return &Regularizer{Kind: kind, Alpha: alpha}, nil
	default:
		return nil, fmt.Errorf("loss: unknown regularizer %q", kind)
	}
}

// Penalty returns the scaled penalty over all weight parameters. Bias
// rows are included, matching a penalty over the full parameter set.
func (r *Regularizer) Penalty(params []*model.Param) float64 {
	total := 0.0
	for _, p := range params {
		rows, cols := p.Value.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				v := p.Value.At(i, j)
				if r.Kind == "l1" {
					total += math.Abs(v)
				} else {
					total += v * v
				}
			}
		}
	}
	return r.Alpha * total
}
