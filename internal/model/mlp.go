package model

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// MLP is a feedforward classifier with a single hidden ReLU layer and
// optional inverted dropout on the hidden activations.
type MLP struct {
	inputSize  int
	hiddenSize int
	numClasses int
	dropout    float64
	train      bool
	rng        *rand.Rand

	w1 *Param
	b1 *Param
	w2 *Param
	b2 *Param

	hidden *mat.Dense // post-ReLU activations from the last Forward
	mask   *mat.Dense // dropout multipliers from the last training Forward
}

// NewMLP constructs the model with seeded uniform initialization scaled
// by fan-in. dropout is the drop probability in [0, 1), applied only in
// training mode.
func NewMLP(inputSize, hiddenSize, numClasses int, dropout float64, seed int64) *MLP {
	if inputSize <= 0 {
		inputSize = 64
	}
	if hiddenSize <= 0 {
		hiddenSize = 128
	}
	if numClasses <= 0 {
		numClasses = 2
	}
	rng := rand.New(rand.NewSource(seed))
	m := &MLP{
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		numClasses: numClasses,
		dropout:    dropout,
		rng:        rng,
		w1:         newParam("fc1.weight", inputSize, hiddenSize),
		b1:         newParam("fc1.bias", 1, hiddenSize),
		w2:         newParam("fc2.weight", hiddenSize, numClasses),
		b2:         newParam("fc2.bias", 1, numClasses),
	}
	initUniform(m.w1.Value, rng, inputSize)
	initUniform(m.w2.Value, rng, hiddenSize)
	return m
}

// Train toggles training mode, enabling dropout.
func (m *MLP) Train(on bool) { m.train = on }

// Forward computes logits for a batch of inputs.
func (m *MLP) Forward(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()

	h := mat.NewDense(rows, m.hiddenSize, nil)
	h.Mul(x, m.w1.Value)
	addBias(h, m.b1.Value)
	h.Apply(func(_, _ int, v float64) float64 {
		return math.Max(0, v)
	}, h)

	m.mask = nil
	if m.train && m.dropout > 0 {
		scale := 1 / (1 - m.dropout)
		mask := mat.NewDense(rows, m.hiddenSize, nil)
		mask.Apply(func(_, _ int, _ float64) float64 {
			if m.rng.Float64() < m.dropout {
				return 0
			}
			return scale
		}, mask)
		h.MulElem(h, mask)
		m.mask = mask
	}
	m.hidden = h

	logits := mat.NewDense(rows, m.numClasses, nil)
	logits.Mul(h, m.w2.Value)
	addBias(logits, m.b2.Value)
	return logits
}

// Backward accumulates gradients for all four parameters.
func (m *MLP) Backward(x, gradLogits *mat.Dense) {
	rows, _ := x.Dims()

	var dw2 mat.Dense
	dw2.Mul(m.hidden.T(), gradLogits)
	m.w2.Grad.Add(m.w2.Grad, &dw2)
	addColSums(m.b2.Grad, gradLogits)

	dh := mat.NewDense(rows, m.hiddenSize, nil)
	dh.Mul(gradLogits, m.w2.Value.T())
	if m.mask != nil {
		dh.MulElem(dh, m.mask)
	}
	// ReLU gate: no gradient through inactive units.
	dh.Apply(func(i, j int, v float64) float64 {
		if m.hidden.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dh)

	var dw1 mat.Dense
	dw1.Mul(x.T(), dh)
	m.w1.Grad.Add(m.w1.Grad, &dw1)
	addColSums(m.b1.Grad, dh)
}

// Params returns the trainable parameters.
func (m *MLP) Params() []*Param {
	return []*Param{m.w1, m.b1, m.w2, m.b2}
}

func initUniform(w *mat.Dense, rng *rand.Rand, fanIn int) {
	scale := 1.0 / math.Sqrt(float64(fanIn))
	r, c := w.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w.Set(i, j, (rng.Float64()*2-1)*scale)
		}
	}
}

// addBias adds a 1xN bias row to every row of dst.
func addBias(dst, bias *mat.Dense) {
	r, c := dst.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			dst.Set(i, j, dst.At(i, j)+bias.At(0, j))
		}
	}
}

// addColSums accumulates the column sums of src into the 1xN grad.
func addColSums(grad, src *mat.Dense) {
	r, c := src.Dims()
	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			sum += src.At(i, j)
		}
		grad.Set(0, j, grad.At(0, j)+sum)
	}
}
