package ptq

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/quant"
)

// Int4WeightOnlyEmbedding is an embedding table stored as group-wise
// symmetric int4 values. Rows are dequantized on lookup.
//
// State: weight (I8 [Num, Dim]), scale and zero_point ([Num, Dim/GroupSize]).
type Int4WeightOnlyEmbedding struct {
	Num, Dim           int
	GroupSize          int
	ScalePrecision     tensor.DType
	ZeroPointPrecision tensor.DType

	Weight    *nn.Parameter
	Scale     *nn.Parameter
	ZeroPoint *nn.Parameter
}

// NewInt4WeightOnlyEmbedding allocates a table with zeroed buffers.
func NewInt4WeightOnlyEmbedding(num, dim, groupSize int, scalePrecision, zeroPointPrecision tensor.DType) (*Int4WeightOnlyEmbedding, error) {
	if groupSize <= 0 || dim%groupSize != 0 {
		return nil, fmt.Errorf("%w: embedding dim %d not divisible by group size %d", quant.ErrShape, dim, groupSize)
	}
	groups := dim / groupSize
	return &Int4WeightOnlyEmbedding{
		Num: num, Dim: dim, GroupSize: groupSize,
		ScalePrecision: scalePrecision, ZeroPointPrecision: zeroPointPrecision,
		Weight:    nn.NewBuffer(zeros(num, dim, tensor.I8)),
		Scale:     nn.NewBuffer(zeros(num, groups, scalePrecision)),
		ZeroPoint: nn.NewBuffer(zeros(num, groups, zeroPointPrecision)),
	}, nil
}

// QuantizeWeight replaces the table with the quantization of w.
func (e *Int4WeightOnlyEmbedding) QuantizeWeight(w *tensor.Mat) error {
	if err := checkWeight(w, e.Num, e.Dim); err != nil {
		return err
	}
	scale, zp, err := quant.GroupQParamsSymmetric(w, 4, e.GroupSize, e.ScalePrecision)
	if err != nil {
		return err
	}
	zp = zp.Cast(e.ZeroPointPrecision)
	q, err := quant.QuantizePerChannelGroup(w, scale, zp, Int4QMin, Int4QMax, tensor.I8, e.GroupSize)
	if err != nil {
		return err
	}
	e.Weight.Value, e.Scale.Value, e.ZeroPoint.Value = q, scale, zp
	return nil
}

func (e *Int4WeightOnlyEmbedding) State() []nn.Named {
	return []nn.Named{
		{Name: "weight", Param: e.Weight},
		{Name: "scale", Param: e.Scale},
		{Name: "zero_point", Param: e.ZeroPoint},
	}
}

func (e *Int4WeightOnlyEmbedding) Forward(ids *tensor.Mat) (*tensor.Mat, error) {
	idx, err := nn.TokenIDs(ids, e.Num)
	if err != nil {
		return nil, err
	}
	table, err := quant.DequantizePerChannelGroup(e.Weight.Value, e.Scale.Value, e.ZeroPoint.Value, Int4QMin, Int4QMax, e.GroupSize)
	if err != nil {
		return nil, err
	}
	return nn.EmbeddingForward(idx, table)
}
