package sparsity

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
)

// SemiSparseLinear is a linear layer whose weight is pruned to 2:4 on every
// forward pass. The dense weight stays the trainable parameter; its gradient
// passes straight through the pruning.
type SemiSparseLinear struct {
	In, Out int
	Weight  *nn.Parameter
	Bias    *nn.Parameter
	Backend string

	x, ws *tensor.Mat
}

// FromDense wraps the parameters of l, sharing them by reference.
func FromDense(l *nn.Linear) *SemiSparseLinear {
	return &SemiSparseLinear{In: l.In, Out: l.Out, Weight: l.Weight, Bias: l.Bias}
}

// ToDense returns a plain linear layer sharing this layer's parameters.
func (l *SemiSparseLinear) ToDense() *nn.Linear {
	return &nn.Linear{In: l.In, Out: l.Out, Weight: l.Weight, Bias: l.Bias}
}

func (l *SemiSparseLinear) State() []nn.Named {
	return state(l.Weight, l.Bias)
}

func (l *SemiSparseLinear) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	s, err := Lookup(l.Backend)
	if err != nil {
		return nil, err
	}
	ws, err := s.Sparsify(l.Weight.Value)
	if err != nil {
		return nil, fmt.Errorf("weight: %w", err)
	}
	y, err := nn.LinearForward(x, ws, value(l.Bias))
	if err != nil {
		return nil, err
	}
	l.x, l.ws = x, ws
	return y, nil
}

func (l *SemiSparseLinear) Backward(grad *tensor.Mat) (*tensor.Mat, error) {
	if l.x == nil {
		return nil, nn.ErrNoForward
	}
	gx, gw, gb := nn.LinearBackward(l.x, l.ws, grad)
	l.Weight.AccumulateGrad(gw)
	if l.Bias != nil {
		l.Bias.AccumulateGrad(gb)
	}
	return gx, nil
}

// SemiSparseActivationLinear is a linear layer whose input is pruned to 2:4
// on every forward pass. The input gradient passes straight through the
// pruning.
type SemiSparseActivationLinear struct {
	In, Out int
	Weight  *nn.Parameter
	Bias    *nn.Parameter
	Backend string

	xs *tensor.Mat
}

// ActivationFromDense wraps the parameters of l, sharing them by reference.
func ActivationFromDense(l *nn.Linear) *SemiSparseActivationLinear {
	return &SemiSparseActivationLinear{In: l.In, Out: l.Out, Weight: l.Weight, Bias: l.Bias}
}

// ToDense returns a plain linear layer sharing this layer's parameters.
func (l *SemiSparseActivationLinear) ToDense() *nn.Linear {
	return &nn.Linear{In: l.In, Out: l.Out, Weight: l.Weight, Bias: l.Bias}
}

func (l *SemiSparseActivationLinear) State() []nn.Named {
	return state(l.Weight, l.Bias)
}

func (l *SemiSparseActivationLinear) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	s, err := Lookup(l.Backend)
	if err != nil {
		return nil, err
	}
	xs, err := s.Sparsify(x)
	if err != nil {
		return nil, fmt.Errorf("activation: %w", err)
	}
	y, err := nn.LinearForward(xs, l.Weight.Value, value(l.Bias))
	if err != nil {
		return nil, err
	}
	l.xs = xs
	return y, nil
}

func (l *SemiSparseActivationLinear) Backward(grad *tensor.Mat) (*tensor.Mat, error) {
	if l.xs == nil {
		return nil, nn.ErrNoForward
	}
	gx, gw, gb := nn.LinearBackward(l.xs, l.Weight.Value, grad)
	l.Weight.AccumulateGrad(gw)
	if l.Bias != nil {
		l.Bias.AccumulateGrad(gb)
	}
	return gx, nil
}

func state(w, b *nn.Parameter) []nn.Named {
	st := []nn.Named{{Name: "weight", Param: w}}
	if b != nil {
		st = append(st, nn.Named{Name: "bias", Param: b})
	}
	return st
}

func value(p *nn.Parameter) *tensor.Mat {
	if p == nil {
		return nil
	}
	return p.Value
}
