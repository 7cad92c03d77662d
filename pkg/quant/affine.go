package quant

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
)

// Grid describes an integer quantization grid and how the zero point maps
// onto it.
type Grid struct {
	QMin, QMax int
	Domain     ZeroPointDomain
}

func (g Grid) validate() error {
	if g.QMin >= g.QMax {
		return fmt.Errorf("quant: empty grid [%d,%d]", g.QMin, g.QMax)
	}
	if g.Domain != ZeroPointInt && g.Domain != ZeroPointFloat {
		return fmt.Errorf("quant: unknown zero point domain %v", g.Domain)
	}
	return nil
}

// paramIndex maps (row, col) of x to the flat index of its scale and zero
// point given groupSize columns per group.
type paramIndex struct {
	groups    int
	groupSize int
}

func (p paramIndex) at(r, c int) int { return r*p.groups + c/p.groupSize }

func checkParams(x, scale, zeroPoint *tensor.Mat, groupSize int) (paramIndex, error) {
	groups, err := checkGroups(x, groupSize)
	if err != nil {
		return paramIndex{}, err
	}
	want := x.R * groups
	if scale.IsPlaceholder() || zeroPoint.IsPlaceholder() {
		return paramIndex{}, tensor.ErrPlaceholder
	}
	if scale.Len() != want || zeroPoint.Len() != want {
		return paramIndex{}, fmt.Errorf("%w: %d groups need %d parameters, have scale %d zero point %d",
			ErrShape, groups, want, scale.Len(), zeroPoint.Len())
	}
	return paramIndex{groups: groups, groupSize: groupSize}, nil
}

// quantizeValue maps one value onto the grid without clamping. The returned
// value is integral.
func (g Grid) quantizeValue(v, s, z float32) float32 {
	if g.Domain == ZeroPointFloat {
		mid := midPoint(g.QMin, g.QMax)
		minVal := z - float32(s*mid)
		return round((v - minVal) / s)
	}
	return round(v/s) + z
}

func (g Grid) dequantizeValue(q, s, z float32) float32 {
	if g.Domain == ZeroPointFloat {
		mid := midPoint(g.QMin, g.QMax)
		return float32((q-mid)*s) + z
	}
	return float32((q - z) * s)
}

// Quantize maps x onto the grid with groupSize columns sharing one scale and
// zero point. The result holds integral values tagged with dtype.
func Quantize(x, scale, zeroPoint *tensor.Mat, groupSize int, g Grid, dtype tensor.DType) (*tensor.Mat, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	idx, err := checkParams(x, scale, zeroPoint, groupSize)
	if err != nil {
		return nil, err
	}
	lo, hi := float32(g.QMin), float32(g.QMax)
	out := tensor.NewMat(x.R, x.C)
	out.DType = dtype
	for r := 0; r < x.R; r++ {
		src, dst := x.Row(r), out.Row(r)
		for c, v := range src {
			i := idx.at(r, c)
			dst[c] = clamp(g.quantizeValue(v, scale.Data[i], zeroPoint.Data[i]), lo, hi)
		}
	}
	return out, nil
}

// Dequantize is the inverse of Quantize up to rounding. The result is F32.
func Dequantize(q, scale, zeroPoint *tensor.Mat, groupSize int, g Grid) (*tensor.Mat, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}
	idx, err := checkParams(q, scale, zeroPoint, groupSize)
	if err != nil {
		return nil, err
	}
	out := tensor.NewMat(q.R, q.C)
	for r := 0; r < q.R; r++ {
		src, dst := q.Row(r), out.Row(r)
		for c, v := range src {
			i := idx.at(r, c)
			dst[c] = g.dequantizeValue(v, scale.Data[i], zeroPoint.Data[i])
		}
	}
	return out, nil
}

// QuantizePerChannelGroup is Quantize on the int-domain grid [qmin, qmax].
func QuantizePerChannelGroup(x, scale, zeroPoint *tensor.Mat, qmin, qmax int, dtype tensor.DType, groupSize int) (*tensor.Mat, error) {
	return Quantize(x, scale, zeroPoint, groupSize, Grid{QMin: qmin, QMax: qmax}, dtype)
}

// DequantizePerChannelGroup is Dequantize on the int-domain grid [qmin, qmax].
func DequantizePerChannelGroup(q, scale, zeroPoint *tensor.Mat, qmin, qmax int, groupSize int) (*tensor.Mat, error) {
	return Dequantize(q, scale, zeroPoint, groupSize, Grid{QMin: qmin, QMax: qmax})
}

// QuantizePerToken quantizes each row with its own [rows,1] parameters.
func QuantizePerToken(x, scale, zeroPoint *tensor.Mat, qmin, qmax int, dtype tensor.DType) (*tensor.Mat, error) {
	return Quantize(x, scale, zeroPoint, x.C, Grid{QMin: qmin, QMax: qmax}, dtype)
}

// DequantizePerToken is the inverse of QuantizePerToken.
func DequantizePerToken(q, scale, zeroPoint *tensor.Mat, qmin, qmax int) (*tensor.Mat, error) {
	return Dequantize(q, scale, zeroPoint, q.C, Grid{QMin: qmin, QMax: qmax})
}

// DynamicQuantPerToken chooses asymmetric per-token parameters for x,
// quantizes and dequantizes it in one step. Used for activations of
// dynamically quantized layers.
func DynamicQuantPerToken(x *tensor.Mat, qmin, qmax int, scalePrecision, zeroPointPrecision tensor.DType) (*tensor.Mat, error) {
	scale, zp, err := ChooseQParamsPerTokenAsymmetric(x, qmin, qmax, scalePrecision, zeroPointPrecision)
	if err != nil {
		return nil, err
	}
	q, err := QuantizePerToken(x, scale, zp, qmin, qmax, tensor.I8)
	if err != nil {
		return nil, err
	}
	return DequantizePerToken(q, scale, zp, qmin, qmax)
}
