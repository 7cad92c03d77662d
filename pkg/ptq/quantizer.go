package ptq

import (
	"fmt"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
)

// Quantizer converts a float model into a post-training quantized one.
type Quantizer interface {
	Quantize(model nn.Module) (nn.Module, error)
}

// Int8DynActInt4WeightQuantizer replaces every compatible nn.Linear with an
// Int8DynActInt4WeightLinear.
type Int8DynActInt4WeightQuantizer struct {
	GroupSize       int
	Precision       tensor.DType
	ScalesPrecision tensor.DType
	Logger          logger.Logger
}

// FromLinear builds the quantized counterpart of a float weight.
func (q *Int8DynActInt4WeightQuantizer) FromLinear(w *tensor.Mat, bias *nn.Parameter) (*Int8DynActInt4WeightLinear, error) {
	gs := orDefault(q.GroupSize, DefaultGroupSize)
	l, err := NewInt8DynActInt4WeightLinear(w.C, w.R, gs, false, q.Precision, q.ScalesPrecision)
	if err != nil {
		return nil, err
	}
	if err := l.QuantizeWeight(w); err != nil {
		return nil, err
	}
	l.Bias = cloneBias(bias)
	return l, nil
}

func (q *Int8DynActInt4WeightQuantizer) Quantize(model nn.Module) (nn.Module, error) {
	gs := orDefault(q.GroupSize, DefaultGroupSize)
	return nn.Rewrite(model, func(path string, m nn.Module) (nn.Module, error) {
		lin, ok := m.(*nn.Linear)
		if !ok {
			return nil, nil
		}
		if !Int8DynActInt4WeightCompatible(lin.In, gs) {
			skip(q.Logger, path, m, fmt.Sprintf("in_features %d not divisible by group size %d", lin.In, gs))
			return nil, nil
		}
		out, err := q.FromLinear(lin.Weight.Value, lin.Bias)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return out, nil
	})
}

// Int4WeightOnlyQuantizer replaces every compatible nn.Linear with a
// WeightOnlyInt4Linear.
type Int4WeightOnlyQuantizer struct {
	GroupSize       int
	InnerKTiles     int
	Precision       tensor.DType
	ScalesPrecision tensor.DType
	Logger          logger.Logger
}

// NewInt4WeightOnlyQuantizer returns a quantizer with bfloat16 activations
// and scales.
func NewInt4WeightOnlyQuantizer(groupSize, innerKTiles int) *Int4WeightOnlyQuantizer {
	return &Int4WeightOnlyQuantizer{
		GroupSize:       groupSize,
		InnerKTiles:     innerKTiles,
		Precision:       tensor.BF16,
		ScalesPrecision: tensor.BF16,
	}
}

// FromLinear builds the packed counterpart of a float weight.
func (q *Int4WeightOnlyQuantizer) FromLinear(w *tensor.Mat, bias *nn.Parameter) (*WeightOnlyInt4Linear, error) {
	l, err := NewWeightOnlyInt4Linear(w.C, w.R,
		orDefault(q.GroupSize, DefaultGroupSize), orDefault(q.InnerKTiles, DefaultInnerKTiles),
		false, q.Precision, q.ScalesPrecision)
	if err != nil {
		return nil, err
	}
	if err := l.QuantizeWeight(w); err != nil {
		return nil, err
	}
	l.Bias = cloneBias(bias)
	return l, nil
}

func (q *Int4WeightOnlyQuantizer) Quantize(model nn.Module) (nn.Module, error) {
	gs := orDefault(q.GroupSize, DefaultGroupSize)
	tiles := orDefault(q.InnerKTiles, DefaultInnerKTiles)
	return nn.Rewrite(model, func(path string, m nn.Module) (nn.Module, error) {
		lin, ok := m.(*nn.Linear)
		if !ok {
			return nil, nil
		}
		if !Int4WeightOnlyCompatible(lin.In, gs, tiles) {
			skip(q.Logger, path, m, fmt.Sprintf("in_features %d incompatible with group size %d and inner_k_tiles %d", lin.In, gs, tiles))
			return nil, nil
		}
		out, err := q.FromLinear(lin.Weight.Value, lin.Bias)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return out, nil
	})
}

// Int4WeightOnlyEmbeddingQuantizer replaces every compatible nn.Embedding
// with an Int4WeightOnlyEmbedding.
type Int4WeightOnlyEmbeddingQuantizer struct {
	GroupSize          int
	ScalePrecision     tensor.DType
	ZeroPointPrecision tensor.DType
	Logger             logger.Logger
}

// NewInt4WeightOnlyEmbeddingQuantizer returns a quantizer with float32
// scales and int32 zero points.
func NewInt4WeightOnlyEmbeddingQuantizer(groupSize int) *Int4WeightOnlyEmbeddingQuantizer {
	return &Int4WeightOnlyEmbeddingQuantizer{
		GroupSize:          orDefault(groupSize, DefaultEmbeddingGroupSize),
		ScalePrecision:     tensor.F32,
		ZeroPointPrecision: tensor.I32,
	}
}

// FromEmbedding builds the quantized counterpart of a float table.
func (q *Int4WeightOnlyEmbeddingQuantizer) FromEmbedding(w *tensor.Mat) (*Int4WeightOnlyEmbedding, error) {
	e, err := NewInt4WeightOnlyEmbedding(w.R, w.C, orDefault(q.GroupSize, DefaultEmbeddingGroupSize), q.ScalePrecision, q.ZeroPointPrecision)
	if err != nil {
		return nil, err
	}
	if err := e.QuantizeWeight(w); err != nil {
		return nil, err
	}
	return e, nil
}

func (q *Int4WeightOnlyEmbeddingQuantizer) Quantize(model nn.Module) (nn.Module, error) {
	gs := orDefault(q.GroupSize, DefaultEmbeddingGroupSize)
	return nn.Rewrite(model, func(path string, m nn.Module) (nn.Module, error) {
		emb, ok := m.(*nn.Embedding)
		if !ok {
			return nil, nil
		}
		if emb.Dim%gs != 0 {
			skip(q.Logger, path, m, fmt.Sprintf("embedding dim %d not divisible by group size %d", emb.Dim, gs))
			return nil, nil
		}
		out, err := q.FromEmbedding(emb.Weight.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return out, nil
	})
}
