package optim

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"gradflow/internal/model"
)

const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-8
)

// Adam is the Adam optimizer with bias-corrected moment estimates.
type Adam struct {
	lr          float64
	weightDecay float64
	step        int
	m           map[string]*mat.Dense
	v           map[string]*mat.Dense
}

// NewAdam constructs the optimizer.
func NewAdam(lr, weightDecay float64) *Adam {
	if lr <= 0 {
		lr = 0.001
	}
	return &Adam{
		lr:          lr,
		weightDecay: weightDecay,
		m:           make(map[string]*mat.Dense),
		v:           make(map[string]*mat.Dense),
	}
}

// LearningRate returns the configured learning rate.
func (a *Adam) LearningRate() float64 { return a.lr }

// Step applies one update to every parameter.
func (a *Adam) Step(params []*model.Param) {
	a.step++
	c1 := 1 - math.Pow(adamBeta1, float64(a.step))
	c2 := 1 - math.Pow(adamBeta2, float64(a.step))
	for _, p := range params {
		rows, cols := p.Value.Dims()
		m := a.m[p.Name]
		v := a.v[p.Name]
		if m == nil {
			m = mat.NewDense(rows, cols, nil)
			v = mat.NewDense(rows, cols, nil)
			a.m[p.Name] = m
			a.v[p.Name] = v
		}
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				g := p.Grad.At(i, j) + a.weightDecay*p.Value.At(i, j)
				mij := adamBeta1*m.At(i, j) + (1-adamBeta1)*g
				vij := adamBeta2*v.At(i, j) + (1-adamBeta2)*g*g
				m.Set(i, j, mij)
				v.Set(i, j, vij)
				mHat := mij / c1
				vHat := vij / c2
				p.Value.Set(i, j, p.Value.At(i, j)-a.lr*mHat/(math.Sqrt(vHat)+adamEps))
			}
		}
	}
}
