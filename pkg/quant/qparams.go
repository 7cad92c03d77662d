package quant

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
)

func checkGroups(x *tensor.Mat, groupSize int) (int, error) {
	if x.IsPlaceholder() {
		return 0, tensor.ErrPlaceholder
	}
	if x.R == 0 || x.C == 0 {
		return 0, fmt.Errorf("%w: empty input [%d,%d]", ErrShape, x.R, x.C)
	}
	if groupSize <= 0 || x.C%groupSize != 0 {
		return 0, fmt.Errorf("%w: group size %d does not divide %d columns", ErrShape, groupSize, x.C)
	}
	return x.C / groupSize, nil
}

// GroupQParamsSymmetric chooses symmetric per-group parameters:
// scale = max|x| / (2^(n-1)-1), clamped below by float32 eps; zero point 0.
// Both outputs are stored in precision.
func GroupQParamsSymmetric(x *tensor.Mat, bitWidth, groupSize int, precision tensor.DType) (scale, zeroPoint *tensor.Mat, err error) {
	if bitWidth < 2 {
		return nil, nil, fmt.Errorf("quant: symmetric quantization needs at least 2 bits, got %d", bitWidth)
	}
	groups, err := checkGroups(x, groupSize)
	if err != nil {
		return nil, nil, err
	}
	denom := float32(int(1)<<(bitWidth-1) - 1)

	scale = tensor.NewMat(x.R, groups)
	zeroPoint = tensor.NewMat(x.R, groups)
	scale.DType, zeroPoint.DType = precision, precision
	for r := 0; r < x.R; r++ {
		row := x.Row(r)
		for g := 0; g < groups; g++ {
			s := tensor.MaxAbs(row[g*groupSize:(g+1)*groupSize]) / denom
			scale.Set(r, g, precision.Cast(max(s, Float32Eps)))
		}
	}
	return scale, zeroPoint, nil
}

// GroupQParamsAffine chooses asymmetric per-group parameters on the unsigned
// grid of bitWidth.
//
// In the int domain the observed range is widened to include zero and the
// zero point is clamp(round(qmin - min/scale)). In the float domain the range
// is used as observed and the zero point is the float value of the grid
// centre, min + scale*mid.
func GroupQParamsAffine(x *tensor.Mat, bitWidth, groupSize int, scalePrecision, zeroPointPrecision tensor.DType, domain ZeroPointDomain) (scale, zeroPoint *tensor.Mat, err error) {
	groups, err := checkGroups(x, groupSize)
	if err != nil {
		return nil, nil, err
	}
	qmin, qmax := QMinQMax(bitWidth, false)
	span := float32(qmax - qmin)
	mid := midPoint(qmin, qmax)

	scale = tensor.NewMat(x.R, groups)
	zeroPoint = tensor.NewMat(x.R, groups)
	scale.DType, zeroPoint.DType = scalePrecision, zeroPointPrecision
	for r := 0; r < x.R; r++ {
		row := x.Row(r)
		for g := 0; g < groups; g++ {
			lo, hi := tensor.MinMax(row[g*groupSize : (g+1)*groupSize])
			var s, z float32
			switch domain {
			case ZeroPointInt:
				lo, hi = min(lo, 0), max(hi, 0)
				s = max((hi-lo)/span, Float32Eps)
				z = clamp(round(float32(qmin)-lo/s), float32(qmin), float32(qmax))
			case ZeroPointFloat:
				s = max((hi-lo)/span, affineFloatEps)
				z = lo + float32(s*mid)
			default:
				return nil, nil, fmt.Errorf("quant: unknown zero point domain %v", domain)
			}
			scale.Set(r, g, scalePrecision.Cast(s))
			zeroPoint.Set(r, g, zeroPointPrecision.Cast(z))
		}
	}
	return scale, zeroPoint, nil
}

// ChooseQParamsPerTokenAsymmetric chooses one asymmetric scale and integer
// zero point per row for the [qmin, qmax] grid. The zero point is derived
// from whichever end of the range gives the smaller rounding error.
func ChooseQParamsPerTokenAsymmetric(x *tensor.Mat, qmin, qmax int, scalePrecision, zeroPointPrecision tensor.DType) (scale, zeroPoint *tensor.Mat, err error) {
	if _, err := checkGroups(x, x.C); err != nil {
		return nil, nil, err
	}
	fmin, fmax := float32(qmin), float32(qmax)

	scale = tensor.NewMat(x.R, 1)
	zeroPoint = tensor.NewMat(x.R, 1)
	scale.DType, zeroPoint.DType = scalePrecision, zeroPointPrecision
	for r := 0; r < x.R; r++ {
		lo, hi := tensor.MinMax(x.Row(r))
		lo, hi = min(lo, 0), max(hi, 0)
		s := max((hi-lo)/(fmax-fmin), Float32Eps)

		descaledMin := lo / s
		descaledMax := hi / s
		var z float32
		if (fmin+descaledMin)+(fmax+descaledMax) > 0 {
			z = fmin - descaledMin
		} else {
			z = fmax - descaledMax
		}
		z = round(clamp(z, fmin, fmax))

		scale.Data[r] = scalePrecision.Cast(s)
		zeroPoint.Data[r] = zeroPointPrecision.Cast(z)
	}
	return scale, zeroPoint, nil
}
