package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/qat/internal/tensor"
)

// Linear applies y = x·Wᵀ + b with W of shape [Out, In].
type Linear struct {
	In, Out int
	Weight  *Parameter
	Bias    *Parameter // [1, Out], nil when the layer has no bias

	input *tensor.Mat
}

// NewLinear initialises weights and bias from U(-1/sqrt(in), 1/sqrt(in)).
func NewLinear(in, out int, bias bool, rng *rand.Rand) *Linear {
	bound := float32(1 / math.Sqrt(float64(in)))
	w := tensor.NewMat(out, in)
	tensor.FillUniform(w, rng, -bound, bound)
	l := &Linear{In: in, Out: out, Weight: NewParameter(w)}
	if bias {
		b := tensor.NewMat(1, out)
		tensor.FillUniform(b, rng, -bound, bound)
		l.Bias = NewParameter(b)
	}
	return l
}

// NewPlaceholderLinear builds a layer whose tensors have shape but no storage.
func NewPlaceholderLinear(in, out int, bias bool) *Linear {
	l := &Linear{In: in, Out: out, Weight: NewParameter(tensor.NewPlaceholder(out, in, tensor.F32))}
	if bias {
		l.Bias = NewParameter(tensor.NewPlaceholder(1, out, tensor.F32))
	}
	return l
}

func (l *Linear) State() []Named {
	st := []Named{{Name: "weight", Param: l.Weight}}
	if l.Bias != nil {
		st = append(st, Named{Name: "bias", Param: l.Bias})
	}
	return st
}

func (l *Linear) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	y, err := LinearForward(x, l.Weight.Value, biasValue(l.Bias))
	if err != nil {
		return nil, err
	}
	l.input = x
	return y, nil
}

func (l *Linear) Backward(grad *tensor.Mat) (*tensor.Mat, error) {
	if l.input == nil {
		return nil, ErrNoForward
	}
	gx, gw, gb := LinearBackward(l.input, l.Weight.Value, grad)
	l.Weight.AccumulateGrad(gw)
	if l.Bias != nil {
		l.Bias.AccumulateGrad(gb)
	}
	return gx, nil
}

func biasValue(p *Parameter) *tensor.Mat {
	if p == nil {
		return nil
	}
	return p.Value
}

// LinearForward computes x·wᵀ + b. b may be nil.
func LinearForward(x, w, b *tensor.Mat) (*tensor.Mat, error) {
	if x.IsPlaceholder() || w.IsPlaceholder() || (b != nil && b.IsPlaceholder()) {
		return nil, tensor.ErrPlaceholder
	}
	if x.C != w.C {
		return nil, fmt.Errorf("%w: linear input has %d features, weight expects %d", ErrShape, x.C, w.C)
	}
	y := tensor.NewMat(x.R, w.R)
	tensor.MatMulT(y, x, w)
	if b != nil {
		tensor.AddRowVec(y, b.Data)
	}
	return y, nil
}

// LinearBackward returns the gradients of y = x·wᵀ + b with respect to x, w
// and b given the output gradient.
func LinearBackward(x, w, grad *tensor.Mat) (gx, gw, gb *tensor.Mat) {
	gx = tensor.NewMat(grad.R, w.C)
	tensor.MatMul(gx, grad, w)
	gw = tensor.NewMat(w.R, w.C)
	tensor.MatMulTN(gw, grad, x)
	gb = tensor.NewMat(1, w.R)
	tensor.SumRows(gb.Data, grad)
	return gx, gw, gb
}
