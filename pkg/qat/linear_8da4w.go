package qat

import (
	"fmt"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/ptq"
	"github.com/samcharles93/qat/pkg/quant"
)

// Int8DynActInt4WeightQATLinear simulates ptq.Int8DynActInt4WeightLinear:
// activations are fake quantized per token to int8 with an asymmetric zero
// point, weights per group to symmetric int4.
type Int8DynActInt4WeightQATLinear struct {
	*FakeQuantizedLinear
	GroupSize       int
	ScalesPrecision tensor.DType
}

// Int8DynActInt4WeightConfigs returns the activation and weight configs of
// the int8 dynamic activation, int4 weight scheme.
func Int8DynActInt4WeightConfigs(groupSize int, scalesPrecision tensor.DType) (activation, weight FakeQuantizeConfig, err error) {
	activation, err = NewFakeQuantizeConfig(8,
		WithGranularity(PerToken),
		WithSymmetric(false),
		WithScalePrecision(ptq.ActivationScalePrecision),
		WithZeroPointPrecision(ptq.ActivationZeroPointPrecision),
	)
	if err != nil {
		return activation, weight, err
	}
	weight, err = NewFakeQuantizeConfig(4,
		WithGroupSize(groupSize),
		WithSymmetric(true),
		WithScalePrecision(scalesPrecision),
		WithZeroPointPrecision(scalesPrecision),
	)
	return activation, weight, err
}

// NewInt8DynActInt4WeightQATLinear wraps the parameters of l.
func NewInt8DynActInt4WeightQATLinear(l *nn.Linear, groupSize int, precision, scalesPrecision tensor.DType) (*Int8DynActInt4WeightQATLinear, error) {
	if !ptq.Int8DynActInt4WeightCompatible(l.In, groupSize) {
		return nil, fmt.Errorf("%w: in_features %d not divisible by group size %d", quant.ErrShape, l.In, groupSize)
	}
	act, w, err := Int8DynActInt4WeightConfigs(groupSize, scalesPrecision)
	if err != nil {
		return nil, err
	}
	fq, err := FromLinear(l, &act, &w)
	if err != nil {
		return nil, err
	}
	fq.Precision = precision
	return &Int8DynActInt4WeightQATLinear{FakeQuantizedLinear: fq, GroupSize: groupSize, ScalesPrecision: scalesPrecision}, nil
}

// EnableFakeQuant turns both fake quantizers on or off.
func (l *Int8DynActInt4WeightQATLinear) EnableFakeQuant(enabled bool) {
	setEnabled(l.FakeQuantizers(), enabled)
}

// Int8DynActInt4WeightQATQuantizer prepares nn.Linear layers for int8
// dynamic activation, int4 weight training and converts them to
// ptq.Int8DynActInt4WeightLinear.
type Int8DynActInt4WeightQATQuantizer struct {
	GroupSize       int
	Precision       tensor.DType
	ScalesPrecision tensor.DType
	Logger          logger.Logger
}

// NewInt8DynActInt4WeightQATQuantizer returns a float32 quantizer.
func NewInt8DynActInt4WeightQATQuantizer(groupSize int) *Int8DynActInt4WeightQATQuantizer {
	return &Int8DynActInt4WeightQATQuantizer{GroupSize: groupSize, Precision: tensor.F32, ScalesPrecision: tensor.F32}
}

func (q *Int8DynActInt4WeightQATQuantizer) groupSize() int {
	if q.GroupSize <= 0 {
		return ptq.DefaultGroupSize
	}
	return q.GroupSize
}

func (q *Int8DynActInt4WeightQATQuantizer) ptqQuantizer() *ptq.Int8DynActInt4WeightQuantizer {
	return &ptq.Int8DynActInt4WeightQuantizer{
		GroupSize:       q.groupSize(),
		Precision:       q.Precision,
		ScalesPrecision: q.ScalesPrecision,
	}
}

func (q *Int8DynActInt4WeightQATQuantizer) Prepare(model nn.Module) (nn.Module, error) {
	log := logger.OrDiscard(q.Logger)
	gs := q.groupSize()
	return nn.Rewrite(model, func(path string, m nn.Module) (nn.Module, error) {
		lin, ok := m.(*nn.Linear)
		if !ok {
			return nil, nil
		}
		if !ptq.Int8DynActInt4WeightCompatible(lin.In, gs) {
			log.Warn("skipping layer", "path", path, "in_features", lin.In, "group_size", gs)
			return nil, nil
		}
		out, err := NewInt8DynActInt4WeightQATLinear(lin, gs, q.Precision, q.ScalesPrecision)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Debug("prepared layer", "path", path, "type", nn.TypeName(out))
		return out, nil
	})
}

func (q *Int8DynActInt4WeightQATQuantizer) Convert(model nn.Module) (nn.Module, error) {
	log := logger.OrDiscard(q.Logger)
	p := q.ptqQuantizer()
	return nn.Rewrite(model, func(path string, m nn.Module) (nn.Module, error) {
		l, ok := m.(*Int8DynActInt4WeightQATLinear)
		if !ok {
			return nil, nil
		}
		p.GroupSize = l.GroupSize
		out, err := p.FromLinear(l.Weight.Value, l.Bias)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Debug("converted layer", "path", path, "type", nn.TypeName(out))
		return out, nil
	})
}
