package ptq

import (
	"github.com/samcharles93/qat/internal/tensor"
)

// matMulInt4 computes dst = x · Wᵀ where W [N, K] is stored as packed
// unsigned nibbles [N, K/2] with per-group float zero points in the
// [groups, N*2] scales-and-zeros layout. Each weight row is dequantized as
// (q - 8)*scale + zero into a scratch row and reduced with tensor.Dot, so the
// result matches a dense product over the dequantized weight.
func matMulInt4(dst, x, packed, scalesAndZeros *tensor.Mat, groupSize int) {
	n, k := packed.R, packed.C*2
	if x.C != k || dst.R != x.R || dst.C != n || scalesAndZeros.C != 2*n || scalesAndZeros.R*groupSize != k {
		panic("matmul: dimension mismatch")
	}
	const mid = 8
	tensor.ParallelRows(n, k*x.R, func(rs, re int) {
		w := make([]float32, k)
		for j := rs; j < re; j++ {
			row := packed.Row(j)
			for i, b := range row {
				v := uint8(b)
				w[2*i] = float32(v & 0x0F)
				w[2*i+1] = float32(v >> 4)
			}
			for c := range w {
				g := c / groupSize
				s := scalesAndZeros.At(g, 2*j)
				z := scalesAndZeros.At(g, 2*j+1)
				w[c] = float32((w[c]-mid)*s) + z
			}
			for m := 0; m < x.R; m++ {
				dst.Set(m, j, tensor.Dot(x.Row(m), w))
			}
		}
	})
}
