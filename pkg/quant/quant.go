// Package quant implements the affine quantization numerics shared by
// quantization-aware training and post-training quantization: scale and
// zero-point selection, discrete quantize/dequantize, and differentiable fake
// quantization with a straight-through gradient.
//
// Matrices are [rows, cols]. Group-wise parameters cover groupSize consecutive
// columns of one row and are laid out as [rows, cols/groupSize]. Per-token
// parameters cover a whole row and are laid out as [rows, 1].
package quant

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrShape is returned when a tensor, its parameters and the requested
// grouping do not line up.
var ErrShape = errors.New("quant: shape mismatch")

// Float32Eps is the machine epsilon of float32, the lower bound for scales.
const Float32Eps = float32(1.1920928955078125e-07)

// affineFloatEps is the scale floor used by tinygemm-style float zero points.
const affineFloatEps = float32(1e-6)

// ZeroPointDomain says where the zero point is applied.
type ZeroPointDomain uint8

const (
	// ZeroPointInt adds an integer zero point on the quantized grid.
	ZeroPointInt ZeroPointDomain = iota
	// ZeroPointFloat adds a float offset in dequantized space.
	ZeroPointFloat
)

func (d ZeroPointDomain) String() string {
	switch d {
	case ZeroPointInt:
		return "int"
	case ZeroPointFloat:
		return "float"
	default:
		return fmt.Sprintf("ZeroPointDomain(%d)", uint8(d))
	}
}

// ParseZeroPointDomain parses "int" or "float".
func ParseZeroPointDomain(s string) (ZeroPointDomain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer":
		return ZeroPointInt, nil
	case "float":
		return ZeroPointFloat, nil
	default:
		return 0, fmt.Errorf("quant: unknown zero point domain %q", s)
	}
}

// QMinQMax returns the integer grid for bitWidth. Symmetric grids are signed,
// asymmetric grids unsigned.
func QMinQMax(bitWidth int, symmetric bool) (int, int) {
	if symmetric {
		return -(1 << (bitWidth - 1)), 1<<(bitWidth-1) - 1
	}
	return 0, 1<<bitWidth - 1
}

// midPoint is the grid centre used by the float zero-point domain.
func midPoint(qmin, qmax int) float32 {
	return float32(qmin+qmax+1) / 2
}

func round(v float32) float32 {
	return float32(math.RoundToEven(float64(v)))
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
