package model

import "gonum.org/v1/gonum/mat"

// Batch represents a minibatch of dense features and integer targets.
type Batch struct {
	Inputs  *mat.Dense
	Targets []int
}

// Size returns the number of samples in the batch.
func (b Batch) Size() int {
	if b.Inputs == nil {
		return 0
	}
	r, _ := b.Inputs.Dims()
	return r
}

// Param is a named parameter matrix paired with its gradient accumulator.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// Model is the minimal contract the training loop requires.
type Model interface {
	// Forward computes logits (batch x classes) for a batch of inputs.
	Forward(x *mat.Dense) *mat.Dense
	// Backward accumulates parameter gradients given the logit gradient
	// from the most recent Forward call on the same inputs.
	Backward(x, gradLogits *mat.Dense)
	// Params returns the trainable parameters.
	Params() []*Param
	// Train toggles training mode. Models without mode-dependent
	// behavior may ignore it.
	Train(on bool)
}

// ZeroGrad clears the gradients of every parameter.
func ZeroGrad(params []*Param) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

func newParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}
