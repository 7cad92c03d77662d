// Package ptq holds the post-training quantized layers that fake-quantized
// training converts into, and the quantizers that build them directly from
// float models. Their numerics define what quantization-aware training has
// to reproduce.
package ptq

import (
	"fmt"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/quant"
)

const (
	// DefaultGroupSize is the group size used when a quantizer leaves it unset.
	DefaultGroupSize = 256
	// DefaultInnerKTiles is the tile count of the packed int4 layout.
	DefaultInnerKTiles = 8
	// DefaultEmbeddingGroupSize is the group size of 4-bit embeddings.
	DefaultEmbeddingGroupSize = 32
)

// Activation and weight grids. Per-token activations use the signed 8-bit
// grid with an asymmetric zero point.
var (
	Int8QMin, Int8QMax = quant.QMinQMax(8, true)
	Int4QMin, Int4QMax = quant.QMinQMax(4, true)
	UInt4QMin, UInt4QMax = quant.QMinQMax(4, false)
)

// ActivationScalePrecision and ActivationZeroPointPrecision are the storage
// types of dynamically chosen per-token activation parameters.
const (
	ActivationScalePrecision     = tensor.F32
	ActivationZeroPointPrecision = tensor.I32
)

// Int8DynActInt4WeightCompatible reports whether a linear layer with in
// input features can use group-wise 4-bit weights.
func Int8DynActInt4WeightCompatible(in, groupSize int) bool {
	return groupSize > 0 && in%groupSize == 0
}

// Int4WeightOnlyCompatible reports whether a linear layer with in input
// features fits the packed int4 layout.
func Int4WeightOnlyCompatible(in, groupSize, innerKTiles int) bool {
	return groupSize > 0 && innerKTiles > 0 && in%groupSize == 0 && in%(innerKTiles*16) == 0
}

func validInnerKTiles(n int) bool {
	return n == 2 || n == 4 || n == 8
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func checkWeight(w *tensor.Mat, rows, cols int) error {
	if w.IsPlaceholder() {
		return tensor.ErrPlaceholder
	}
	if w.R != rows || w.C != cols {
		return fmt.Errorf("%w: weight [%d,%d], layer expects [%d,%d]", quant.ErrShape, w.R, w.C, rows, cols)
	}
	return nil
}

func cloneBias(b *nn.Parameter) *nn.Parameter {
	if b == nil {
		return nil
	}
	return nn.NewParameter(b.Value.Clone())
}

func biasOf(b *nn.Parameter) *tensor.Mat {
	if b == nil {
		return nil
	}
	return b.Value
}

func skip(log logger.Logger, path string, m nn.Module, reason string) {
	logger.OrDiscard(log).Warn("skipping layer", "path", path, "type", nn.TypeName(m), "reason", reason)
}
