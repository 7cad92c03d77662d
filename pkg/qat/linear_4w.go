package qat

import (
	"fmt"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/ptq"
	"github.com/samcharles93/qat/pkg/quant"
)

// Int4WeightOnlyQATLinear simulates ptq.WeightOnlyInt4Linear: weights are
// fake quantized per group to unsigned int4 with float zero points, inputs
// and outputs are rounded to Precision.
type Int4WeightOnlyQATLinear struct {
	*FakeQuantizedLinear
	GroupSize       int
	InnerKTiles     int
	Precision       tensor.DType
	ScalesPrecision tensor.DType
}

// Int4WeightOnlyConfig returns the weight config of the packed int4 scheme.
func Int4WeightOnlyConfig(groupSize int, scalesPrecision tensor.DType) (FakeQuantizeConfig, error) {
	return NewFakeQuantizeConfig(4,
		WithGroupSize(groupSize),
		WithSymmetric(false),
		WithZeroPointDomain(quant.ZeroPointFloat),
		WithScalePrecision(scalesPrecision),
		WithZeroPointPrecision(scalesPrecision),
	)
}

// NewInt4WeightOnlyQATLinear wraps the parameters of l.
func NewInt4WeightOnlyQATLinear(l *nn.Linear, groupSize, innerKTiles int, precision, scalesPrecision tensor.DType) (*Int4WeightOnlyQATLinear, error) {
	if !ptq.Int4WeightOnlyCompatible(l.In, groupSize, innerKTiles) {
		return nil, fmt.Errorf("%w: in_features %d incompatible with group size %d and inner_k_tiles %d", quant.ErrShape, l.In, groupSize, innerKTiles)
	}
	w, err := Int4WeightOnlyConfig(groupSize, scalesPrecision)
	if err != nil {
		return nil, err
	}
	fq, err := FromLinear(l, nil, &w)
	if err != nil {
		return nil, err
	}
	return &Int4WeightOnlyQATLinear{
		FakeQuantizedLinear: fq,
		GroupSize:           groupSize,
		InnerKTiles:         innerKTiles,
		Precision:           precision,
		ScalesPrecision:     scalesPrecision,
	}, nil
}

func (l *Int4WeightOnlyQATLinear) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	y, err := l.FakeQuantizedLinear.Forward(x.Cast(l.Precision))
	if err != nil {
		return nil, err
	}
	return y.Cast(l.Precision), nil
}

// EnableFakeQuant turns the weight fake quantizer on or off.
func (l *Int4WeightOnlyQATLinear) EnableFakeQuant(enabled bool) {
	setEnabled(l.FakeQuantizers(), enabled)
}

// Int4WeightOnlyQATQuantizer prepares nn.Linear layers for packed int4
// weight-only training and converts them to ptq.WeightOnlyInt4Linear.
type Int4WeightOnlyQATQuantizer struct {
	GroupSize       int
	InnerKTiles     int
	Precision       tensor.DType
	ScalesPrecision tensor.DType
	Logger          logger.Logger
}

// NewInt4WeightOnlyQATQuantizer returns a quantizer with bfloat16
// activations and scales.
func NewInt4WeightOnlyQATQuantizer(groupSize, innerKTiles int) *Int4WeightOnlyQATQuantizer {
	return &Int4WeightOnlyQATQuantizer{
		GroupSize:       groupSize,
		InnerKTiles:     innerKTiles,
		Precision:       tensor.BF16,
		ScalesPrecision: tensor.BF16,
	}
}

func (q *Int4WeightOnlyQATQuantizer) shape() (groupSize, innerKTiles int) {
	groupSize, innerKTiles = q.GroupSize, q.InnerKTiles
	if groupSize <= 0 {
		groupSize = ptq.DefaultGroupSize
	}
	if innerKTiles <= 0 {
		innerKTiles = ptq.DefaultInnerKTiles
	}
	return groupSize, innerKTiles
}

func (q *Int4WeightOnlyQATQuantizer) Prepare(model nn.Module) (nn.Module, error) {
	log := logger.OrDiscard(q.Logger)
	gs, tiles := q.shape()
	return nn.Rewrite(model, func(path string, m nn.Module) (nn.Module, error) {
		lin, ok := m.(*nn.Linear)
		if !ok {
			return nil, nil
		}
		if !ptq.Int4WeightOnlyCompatible(lin.In, gs, tiles) {
			log.Warn("skipping layer", "path", path, "in_features", lin.In, "group_size", gs, "inner_k_tiles", tiles)
			return nil, nil
		}
		out, err := NewInt4WeightOnlyQATLinear(lin, gs, tiles, q.Precision, q.ScalesPrecision)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Debug("prepared layer", "path", path, "type", nn.TypeName(out))
		return out, nil
	})
}

func (q *Int4WeightOnlyQATQuantizer) Convert(model nn.Module) (nn.Module, error) {
	log := logger.OrDiscard(q.Logger)
	return nn.Rewrite(model, func(path string, m nn.Module) (nn.Module, error) {
		l, ok := m.(*Int4WeightOnlyQATLinear)
		if !ok {
			return nil, nil
		}
		p := &ptq.Int4WeightOnlyQuantizer{
			GroupSize:       l.GroupSize,
			InnerKTiles:     l.InnerKTiles,
			Precision:       l.Precision,
			ScalesPrecision: l.ScalesPrecision,
		}
		out, err := p.FromLinear(l.Weight.Value, l.Bias)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Debug("converted layer", "path", path, "type", nn.TypeName(out))
		return out, nil
	})
}
