package quant

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
)

// STE carries the straight-through mask of one fake-quantize call. Gradients
// pass unchanged where the unclamped quantized value landed inside the grid
// and are zeroed where it was clamped.
type STE struct {
	rows, cols int
	mask       []bool
}

// Backward applies the mask to grad. A nil STE passes grad through.
func (s *STE) Backward(grad *tensor.Mat) (*tensor.Mat, error) {
	if s == nil {
		return grad, nil
	}
	if grad.R != s.rows || grad.C != s.cols {
		return nil, fmt.Errorf("%w: gradient [%d,%d], forward [%d,%d]", ErrShape, grad.R, grad.C, s.rows, s.cols)
	}
	out := tensor.NewMat(grad.R, grad.C)
	for i, keep := range s.mask {
		if keep {
			out.Data[i] = grad.Data[i]
		}
	}
	return out, nil
}

// Passed reports how many elements let their gradient through.
func (s *STE) Passed() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, keep := range s.mask {
		if keep {
			n++
		}
	}
	return n
}

// FakeQuantize quantizes and immediately dequantizes x, returning a float
// tensor with the same shape and the mask for the backward pass. The forward
// values are bit-identical to Dequantize(Quantize(x)).
func FakeQuantize(x, scale, zeroPoint *tensor.Mat, groupSize int, g Grid) (*tensor.Mat, *STE, error) {
	if err := g.validate(); err != nil {
		return nil, nil, err
	}
	idx, err := checkParams(x, scale, zeroPoint, groupSize)
	if err != nil {
		return nil, nil, err
	}
	lo, hi := float32(g.QMin), float32(g.QMax)
	out := tensor.NewMat(x.R, x.C)
	ste := &STE{rows: x.R, cols: x.C, mask: make([]bool, x.Len())}
	for r := 0; r < x.R; r++ {
		src, dst := x.Row(r), out.Row(r)
		for c, v := range src {
			i := idx.at(r, c)
			s, z := scale.Data[i], zeroPoint.Data[i]
			q := g.quantizeValue(v, s, z)
			ste.mask[r*x.C+c] = q >= lo && q <= hi
			dst[c] = g.dequantizeValue(clamp(q, lo, hi), s, z)
		}
	}
	return out, ste, nil
}

// FakeQuantizePerChannelGroup fake-quantizes x with one scale and zero point
// per groupSize columns of each row.
func FakeQuantizePerChannelGroup(x, scale, zeroPoint *tensor.Mat, qmin, qmax, groupSize int, domain ZeroPointDomain) (*tensor.Mat, *STE, error) {
	return FakeQuantize(x, scale, zeroPoint, groupSize, Grid{QMin: qmin, QMax: qmax, Domain: domain})
}

// FakeQuantizePerToken fake-quantizes x with one scale and zero point per row.
// Parameters must be in the int domain.
func FakeQuantizePerToken(x, scale, zeroPoint *tensor.Mat, qmin, qmax int) (*tensor.Mat, *STE, error) {
	return FakeQuantize(x, scale, zeroPoint, x.C, Grid{QMin: qmin, QMax: qmax})
}
