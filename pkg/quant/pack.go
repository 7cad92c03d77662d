package quant

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
)

// PackInt4 packs unsigned 4-bit values two per byte along each row, even
// column in the low nibble. q is [rows, cols] with cols even and values in
// [0, 15]; the result is a U8 matrix [rows, cols/2].
func PackInt4(q *tensor.Mat) (*tensor.Mat, error) {
	if q.IsPlaceholder() {
		return nil, tensor.ErrPlaceholder
	}
	if q.C%2 != 0 {
		return nil, fmt.Errorf("%w: int4 packing needs an even column count, got %d", ErrShape, q.C)
	}
	out := tensor.NewMat(q.R, q.C/2)
	out.DType = tensor.U8
	for r := 0; r < q.R; r++ {
		src, dst := q.Row(r), out.Row(r)
		for i := range dst {
			lo, hi := src[2*i], src[2*i+1]
			if lo < 0 || lo > 15 || hi < 0 || hi > 15 {
				return nil, fmt.Errorf("quant: value out of int4 range at row %d col %d", r, 2*i)
			}
			dst[i] = float32(uint8(lo) | uint8(hi)<<4)
		}
	}
	return out, nil
}

// UnpackInt4 reverses PackInt4.
func UnpackInt4(packed *tensor.Mat) *tensor.Mat {
	out := tensor.NewMat(packed.R, packed.C*2)
	out.DType = tensor.U8
	for r := 0; r < packed.R; r++ {
		src, dst := packed.Row(r), out.Row(r)
		for i, v := range src {
			b := uint8(v)
			dst[2*i] = float32(b & 0x0F)
			dst[2*i+1] = float32(b >> 4)
		}
	}
	return out
}

// PackScalesAndZeros interleaves [rows, groups] scales and zero points into
// the [groups, rows*2] layout expected by the packed int4 kernel, where
// element (g, 2*r) is the scale of row r and (g, 2*r+1) its zero point.
func PackScalesAndZeros(scale, zeroPoint *tensor.Mat) (*tensor.Mat, error) {
	if scale.R != zeroPoint.R || scale.C != zeroPoint.C {
		return nil, fmt.Errorf("%w: scale [%d,%d] zero point [%d,%d]", ErrShape, scale.R, scale.C, zeroPoint.R, zeroPoint.C)
	}
	out := tensor.NewMat(scale.C, scale.R*2)
	out.DType = scale.DType
	for r := 0; r < scale.R; r++ {
		for g := 0; g < scale.C; g++ {
			out.Set(g, 2*r, scale.At(r, g))
			out.Set(g, 2*r+1, zeroPoint.At(r, g))
		}
	}
	return out, nil
}

// UnpackScalesAndZeros reverses PackScalesAndZeros.
func UnpackScalesAndZeros(sz *tensor.Mat) (scale, zeroPoint *tensor.Mat, err error) {
	if sz.C%2 != 0 {
		return nil, nil, fmt.Errorf("%w: packed scales need an even column count, got %d", ErrShape, sz.C)
	}
	rows, groups := sz.C/2, sz.R
	scale = tensor.NewMat(rows, groups)
	zeroPoint = tensor.NewMat(rows, groups)
	scale.DType, zeroPoint.DType = sz.DType, sz.DType
	for g := 0; g < groups; g++ {
		for r := 0; r < rows; r++ {
			scale.Set(r, g, sz.At(g, 2*r))
			zeroPoint.Set(r, g, sz.At(g, 2*r+1))
		}
	}
	return scale, zeroPoint, nil
}
