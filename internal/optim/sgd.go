package optim

import (
	"gonum.org/v1/gonum/mat"

	"gradflow/internal/model"
)

// SGD is stochastic gradient descent with optional momentum and weight
// decay.
type SGD struct {
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    map[string]*mat.Dense
}

// NewSGD constructs the optimizer.
func NewSGD(lr, momentum, weightDecay float64) *SGD {
	if lr <= 0 {
		lr = 0.01
	}
	return &SGD{
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    make(map[string]*mat.Dense),
	}
}

// LearningRate returns the configured learning rate.
func (s *SGD) LearningRate() float64 { return s.lr }

// Step applies one update to every parameter.
func (s *SGD) Step(params []*model.Param) {
	for _, p := range params {
		rows, cols := p.Value.Dims()
		v := s.velocity[p.Name]
		if v == nil {
			v = mat.NewDense(rows, cols, nil)
			s.velocity[p.Name] = v
		}
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				g := p.Grad.At(i, j) + s.weightDecay*p.Value.At(i, j)
				vel := s.momentum*v.At(i, j) + g
				v.Set(i, j, vel)
				p.Value.Set(i, j, p.Value.At(i, j)-s.lr*vel)
			}
		}
	}
}
