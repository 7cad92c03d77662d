package qat

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
)

// FakeQuantizedLinear is a linear layer whose input and weight pass through
// optional fake quantizers before the product.
type FakeQuantizedLinear struct {
	In, Out int
	Weight  *nn.Parameter
	Bias    *nn.Parameter

	ActivationFakeQuantizer *FakeQuantizer
	WeightFakeQuantizer     *FakeQuantizer

	// Precision is the type the fake quantized operands are rounded to
	// before the product.
	Precision tensor.DType

	xq, wq *tensor.Mat
}

// NewFakeQuantizedLinear builds a freshly initialised layer. Either config
// may be nil to leave that operand in float.
func NewFakeQuantizedLinear(in, out int, bias bool, activation, weight *FakeQuantizeConfig, rng *rand.Rand) (*FakeQuantizedLinear, error) {
	return FromLinear(nn.NewLinear(in, out, bias, rng), activation, weight)
}

// FromLinear wraps the parameters of l, sharing them by reference.
func FromLinear(l *nn.Linear, activation, weight *FakeQuantizeConfig) (*FakeQuantizedLinear, error) {
	fq := &FakeQuantizedLinear{In: l.In, Out: l.Out, Weight: l.Weight, Bias: l.Bias}
	var err error
	if activation != nil {
		if fq.ActivationFakeQuantizer, err = NewFakeQuantizer(*activation); err != nil {
			return nil, fmt.Errorf("activation: %w", err)
		}
	}
	if weight != nil {
		if fq.WeightFakeQuantizer, err = NewFakeQuantizer(*weight); err != nil {
			return nil, fmt.Errorf("weight: %w", err)
		}
	}
	return fq, nil
}

// ToLinear returns a plain linear layer sharing this layer's parameters.
func (l *FakeQuantizedLinear) ToLinear() *nn.Linear {
	return &nn.Linear{In: l.In, Out: l.Out, Weight: l.Weight, Bias: l.Bias}
}

// FakeQuantizers lists the configured quantizers, activation first.
func (l *FakeQuantizedLinear) FakeQuantizers() []*FakeQuantizer {
	var out []*FakeQuantizer
	if l.ActivationFakeQuantizer != nil {
		out = append(out, l.ActivationFakeQuantizer)
	}
	if l.WeightFakeQuantizer != nil {
		out = append(out, l.WeightFakeQuantizer)
	}
	return out
}

func (l *FakeQuantizedLinear) State() []nn.Named {
	st := []nn.Named{{Name: "weight", Param: l.Weight}}
	if l.Bias != nil {
		st = append(st, nn.Named{Name: "bias", Param: l.Bias})
	}
	return st
}

func fakeQuantize(f *FakeQuantizer, x *tensor.Mat) (*tensor.Mat, error) {
	if f == nil {
		return x, nil
	}
	return f.Forward(x)
}

func steBackward(f *FakeQuantizer, g *tensor.Mat) (*tensor.Mat, error) {
	if f == nil {
		return g, nil
	}
	return f.Backward(g)
}

func (l *FakeQuantizedLinear) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	if l.Weight.Value.IsPlaceholder() {
		return nil, tensor.ErrPlaceholder
	}
	xq, err := fakeQuantize(l.ActivationFakeQuantizer, x)
	if err != nil {
		return nil, fmt.Errorf("activation: %w", err)
	}
	wq, err := fakeQuantize(l.WeightFakeQuantizer, l.Weight.Value)
	if err != nil {
		return nil, fmt.Errorf("weight: %w", err)
	}
	if l.Precision != tensor.F32 {
		xq, wq = xq.Cast(l.Precision), wq.Cast(l.Precision)
	}
	y, err := nn.LinearForward(xq, wq, biasValue(l.Bias))
	if err != nil {
		return nil, err
	}
	l.xq, l.wq = xq, wq
	return y, nil
}

func (l *FakeQuantizedLinear) Backward(grad *tensor.Mat) (*tensor.Mat, error) {
	if l.xq == nil {
		return nil, nn.ErrNoForward
	}
	gx, gw, gb := nn.LinearBackward(l.xq, l.wq, grad)
	gx, err := steBackward(l.ActivationFakeQuantizer, gx)
	if err != nil {
		return nil, fmt.Errorf("activation: %w", err)
	}
	gw, err = steBackward(l.WeightFakeQuantizer, gw)
	if err != nil {
		return nil, fmt.Errorf("weight: %w", err)
	}
	l.Weight.AccumulateGrad(gw)
	if l.Bias != nil {
		l.Bias.AccumulateGrad(gb)
	}
	return gx, nil
}

func biasValue(p *nn.Parameter) *tensor.Mat {
	if p == nil {
		return nil
	}
	return p.Value
}
