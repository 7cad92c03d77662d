package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the logical storage type of a matrix.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
	I32
	I8
	U8
)

// String returns the safetensors spelling of the dtype.
func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	case I32:
		return "I32"
	case I8:
		return "I8"
	case U8:
		return "U8"
	default:
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
}

// ParseDType accepts the safetensors spelling as well as the common long
// names ("float32", "bfloat16", "int8", ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32", "float":
		return F32, nil
	case "f16", "float16", "fp16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "i32", "int32":
		return I32, nil
	case "i8", "int8":
		return I8, nil
	case "u8", "uint8":
		return U8, nil
	default:
		return 0, fmt.Errorf("tensor: unknown dtype %q", s)
	}
}

// IsFloat reports whether d is a floating point type.
func (d DType) IsFloat() bool {
	return d == F32 || d == F16 || d == BF16
}

// Size returns the encoded element size in bytes.
func (d DType) Size() int {
	switch d {
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	case I8, U8:
		return 1
	default:
		return 0
	}
}

// Cast rounds v to the nearest value representable in d, ties to even.
// Integer casts truncate toward zero and saturate at the type bounds.
func (d DType) Cast(v float32) float32 {
	switch d {
	case F32:
		return v
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(roundBF16(v)))
	case I32:
		return saturate(v, math.MinInt32, math.MaxInt32)
	case I8:
		return saturate(v, math.MinInt8, math.MaxInt8)
	case U8:
		return saturate(v, 0, math.MaxUint8)
	default:
		return v
	}
}

// roundBF16 rounds the low 16 bits of v half to even so the truncating
// bfloat16 conversion lands on the nearest value. NaN passes through.
func roundBF16(v float32) float32 {
	if v != v {
		return v
	}
	b := math.Float32bits(v)
	b += 0x7FFF + (b>>16)&1
	return math.Float32frombits(b)
}

func saturate(v float32, lo, hi float64) float32 {
	f := math.Trunc(float64(v))
	if math.IsNaN(f) {
		return 0
	}
	if f < lo {
		f = lo
	}
	if f > hi {
		f = hi
	}
	return float32(f)
}
