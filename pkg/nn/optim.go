package nn

import "github.com/samcharles93/qat/internal/tensor"

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay, following the usual d = g + λp, b = μb + d, p -= lr·b update.
type SGD struct {
	Params      []*Parameter
	LR          float32
	Momentum    float32
	WeightDecay float32

	bufs map[*Parameter]*tensor.Mat
}

// NewSGD builds an optimiser over params.
func NewSGD(params []*Parameter, lr, momentum, weightDecay float32) *SGD {
	return &SGD{Params: params, LR: lr, Momentum: momentum, WeightDecay: weightDecay}
}

// Step updates every parameter that has a gradient.
func (o *SGD) Step() {
	if o.bufs == nil {
		o.bufs = make(map[*Parameter]*tensor.Mat)
	}
	for _, p := range o.Params {
		if p.Grad == nil || p.Buffer {
			continue
		}
		d := p.Grad.Clone()
		if o.WeightDecay != 0 {
			for i, v := range p.Value.Data {
				d.Data[i] += o.WeightDecay * v
			}
		}
		if o.Momentum != 0 {
			buf, ok := o.bufs[p]
			if !ok {
				buf = d.Clone()
				o.bufs[p] = buf
			} else {
				for i := range buf.Data {
					buf.Data[i] = o.Momentum*buf.Data[i] + d.Data[i]
				}
			}
			d = buf
		}
		for i := range p.Value.Data {
			p.Value.Data[i] -= o.LR * d.Data[i]
		}
	}
}

// ZeroGrad clears the gradients of the optimised parameters.
func (o *SGD) ZeroGrad() {
	for _, p := range o.Params {
		p.ZeroGrad()
	}
}
