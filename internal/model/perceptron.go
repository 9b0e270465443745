package model

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Perceptron is a linear softmax classifier.
type Perceptron struct {
	inputSize  int
	numClasses int

	w *Param
	b *Param
}

// NewPerceptron constructs the model with seeded initialization.
func NewPerceptron(inputSize, numClasses int, seed int64) *Perceptron {
	if inputSize <= 0 {
		inputSize = 64
	}
	if numClasses <= 0 {
		numClasses = 2
	}
	rng := rand.New(rand.NewSource(seed))
	p := &Perceptron{
		inputSize:  inputSize,
		numClasses: numClasses,
		w:          newParam("fc.weight", inputSize, numClasses),
		b:          newParam("fc.bias", 1, numClasses),
	}
	initUniform(p.w.Value, rng, inputSize)
	return p
}

// Train is a no-op; the perceptron has no mode-dependent behavior.
func (p *Perceptron) Train(bool) {}

// Forward computes logits for a batch of inputs.
func (p *Perceptron) Forward(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	logits := mat.NewDense(rows, p.numClasses, nil)
	logits.Mul(x, p.w.Value)
	addBias(logits, p.b.Value)
	return logits
}

// Backward accumulates gradients for the weight and bias.
func (p *Perceptron) Backward(x, gradLogits *mat.Dense) {
	var dw mat.Dense
	dw.Mul(x.T(), gradLogits)
	p.w.Grad.Add(p.w.Grad, &dw)
	addColSums(p.b.Grad, gradLogits)
}

// Params returns the trainable parameters.
func (p *Perceptron) Params() []*Param {
	return []*Param{p.w, p.b}
}
