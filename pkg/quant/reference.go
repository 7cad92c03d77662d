package quant

import (
	"fmt"
	"math"

	"github.com/samcharles93/qat/internal/tensor"
)

// FakeQuantizePerChannelAffine is the classic per-row fake quantization with
// an integer zero point, written independently of the grouped kernels so the
// two can be checked against each other. scale and zeroPoint hold one value
// per row of x.
func FakeQuantizePerChannelAffine(x *tensor.Mat, scale []float32, zeroPoint []int32, qmin, qmax int) (*tensor.Mat, []bool, error) {
	if len(scale) != x.R || len(zeroPoint) != x.R {
		return nil, nil, fmt.Errorf("%w: %d rows, %d scales, %d zero points", ErrShape, x.R, len(scale), len(zeroPoint))
	}
	out := tensor.NewMat(x.R, x.C)
	mask := make([]bool, x.Len())
	for r := 0; r < x.R; r++ {
		s := scale[r]
		z := int64(zeroPoint[r])
		for c, v := range x.Row(r) {
			q := int64(math.RoundToEven(float64(v/s))) + z
			mask[r*x.C+c] = q >= int64(qmin) && q <= int64(qmax)
			q = min(max(q, int64(qmin)), int64(qmax))
			out.Set(r, c, float32(q-z)*s)
		}
	}
	return out, mask, nil
}
