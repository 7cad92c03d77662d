package ptq

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/quant"
)

// Int8DynActInt4WeightLinear runs a linear layer with per-token dynamically
// quantized int8 activations and group-wise symmetric int4 weights.
//
// State: weight (int4 values stored as I8, [Out, In]), scales and zeros
// ([Out, In/GroupSize]) and the optional bias.
type Int8DynActInt4WeightLinear struct {
	In, Out         int
	GroupSize       int
	Precision       tensor.DType
	ScalesPrecision tensor.DType

	Weight *nn.Parameter
	Scales *nn.Parameter
	Zeros  *nn.Parameter
	Bias   *nn.Parameter
}

// NewInt8DynActInt4WeightLinear allocates a layer with zeroed buffers.
func NewInt8DynActInt4WeightLinear(in, out, groupSize int, bias bool, precision, scalesPrecision tensor.DType) (*Int8DynActInt4WeightLinear, error) {
	if !Int8DynActInt4WeightCompatible(in, groupSize) {
		return nil, fmt.Errorf("%w: in_features %d not divisible by group size %d", quant.ErrShape, in, groupSize)
	}
	groups := in / groupSize
	l := &Int8DynActInt4WeightLinear{
		In: in, Out: out, GroupSize: groupSize,
		Precision: precision, ScalesPrecision: scalesPrecision,
		Weight: nn.NewBuffer(zeros(out, in, tensor.I8)),
		Scales: nn.NewBuffer(zeros(out, groups, scalesPrecision)),
		Zeros:  nn.NewBuffer(zeros(out, groups, scalesPrecision)),
	}
	if bias {
		l.Bias = nn.NewParameter(zeros(1, out, tensor.F32))
	}
	return l, nil
}

func zeros(r, c int, dtype tensor.DType) *tensor.Mat {
	m := tensor.NewMat(r, c)
	m.DType = dtype
	return m
}

// QuantizeWeight replaces the stored weight with the quantization of the
// float weight w.
func (l *Int8DynActInt4WeightLinear) QuantizeWeight(w *tensor.Mat) error {
	if err := checkWeight(w, l.Out, l.In); err != nil {
		return err
	}
	scales, zp, err := quant.GroupQParamsSymmetric(w, 4, l.GroupSize, l.ScalesPrecision)
	if err != nil {
		return err
	}
	q, err := quant.QuantizePerChannelGroup(w, scales, zp, Int4QMin, Int4QMax, tensor.I8, l.GroupSize)
	if err != nil {
		return err
	}
	l.Weight.Value, l.Scales.Value, l.Zeros.Value = q, scales, zp
	return nil
}

func (l *Int8DynActInt4WeightLinear) State() []nn.Named {
	st := []nn.Named{
		{Name: "weight", Param: l.Weight},
		{Name: "scales", Param: l.Scales},
		{Name: "zeros", Param: l.Zeros},
	}
	if l.Bias != nil {
		st = append(st, nn.Named{Name: "bias", Param: l.Bias})
	}
	return st
}

func (l *Int8DynActInt4WeightLinear) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	xq, err := quant.DynamicQuantPerToken(x, Int8QMin, Int8QMax, ActivationScalePrecision, ActivationZeroPointPrecision)
	if err != nil {
		return nil, err
	}
	w, err := quant.DequantizePerChannelGroup(l.Weight.Value, l.Scales.Value, l.Zeros.Value, Int4QMin, Int4QMax, l.GroupSize)
	if err != nil {
		return nil, err
	}
	return nn.LinearForward(xq.Cast(l.Precision), w.Cast(l.Precision), biasOf(l.Bias))
}

// WeightOnlyInt4Linear runs a linear layer over packed asymmetric int4
// weights with float zero points.
//
// State: weight (two nibbles per byte, U8 [Out, In/2]), scales_and_zeros
// ([In/GroupSize, Out*2]) and the optional bias. Inputs are cast to
// Precision before the product and the output is cast back to it.
type WeightOnlyInt4Linear struct {
	In, Out         int
	GroupSize       int
	InnerKTiles     int
	Precision       tensor.DType
	ScalesPrecision tensor.DType

	Weight         *nn.Parameter
	ScalesAndZeros *nn.Parameter
	Bias           *nn.Parameter
}

// NewWeightOnlyInt4Linear allocates a layer with zeroed buffers.
func NewWeightOnlyInt4Linear(in, out, groupSize, innerKTiles int, bias bool, precision, scalesPrecision tensor.DType) (*WeightOnlyInt4Linear, error) {
	if !validInnerKTiles(innerKTiles) {
		return nil, fmt.Errorf("ptq: inner_k_tiles must be 2, 4 or 8, got %d", innerKTiles)
	}
	if !Int4WeightOnlyCompatible(in, groupSize, innerKTiles) {
		return nil, fmt.Errorf("%w: in_features %d incompatible with group size %d and inner_k_tiles %d", quant.ErrShape, in, groupSize, innerKTiles)
	}
	l := &WeightOnlyInt4Linear{
		In: in, Out: out, GroupSize: groupSize, InnerKTiles: innerKTiles,
		Precision: precision, ScalesPrecision: scalesPrecision,
		Weight:         nn.NewBuffer(zeros(out, in/2, tensor.U8)),
		ScalesAndZeros: nn.NewBuffer(zeros(in/groupSize, out*2, scalesPrecision)),
	}
	if bias {
		l.Bias = nn.NewParameter(zeros(1, out, tensor.F32))
	}
	return l, nil
}

// Int4WeightOnlyQParams chooses the float-domain parameters used by packed
// int4 weights.
func Int4WeightOnlyQParams(w *tensor.Mat, groupSize int, scalesPrecision tensor.DType) (scale, zero *tensor.Mat, err error) {
	return quant.GroupQParamsAffine(w, 4, groupSize, scalesPrecision, scalesPrecision, quant.ZeroPointFloat)
}

// QuantizeWeight packs the quantization of the float weight w.
func (l *WeightOnlyInt4Linear) QuantizeWeight(w *tensor.Mat) error {
	if err := checkWeight(w, l.Out, l.In); err != nil {
		return err
	}
	scale, zero, err := Int4WeightOnlyQParams(w, l.GroupSize, l.ScalesPrecision)
	if err != nil {
		return err
	}
	grid := quant.Grid{QMin: UInt4QMin, QMax: UInt4QMax, Domain: quant.ZeroPointFloat}
	q, err := quant.Quantize(w, scale, zero, l.GroupSize, grid, tensor.U8)
	if err != nil {
		return err
	}
	packed, err := quant.PackInt4(q)
	if err != nil {
		return err
	}
	sz, err := quant.PackScalesAndZeros(scale, zero)
	if err != nil {
		return err
	}
	l.Weight.Value, l.ScalesAndZeros.Value = packed, sz
	return nil
}

func (l *WeightOnlyInt4Linear) State() []nn.Named {
	st := []nn.Named{
		{Name: "weight", Param: l.Weight},
		{Name: "scales_and_zeros", Param: l.ScalesAndZeros},
	}
	if l.Bias != nil {
		st = append(st, nn.Named{Name: "bias", Param: l.Bias})
	}
	return st
}

func (l *WeightOnlyInt4Linear) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	if x.IsPlaceholder() || l.Weight.Value.IsPlaceholder() {
		return nil, tensor.ErrPlaceholder
	}
	if x.C != l.In {
		return nil, fmt.Errorf("ptq: linear input has %d features, weight expects %d", x.C, l.In)
	}
	y := tensor.NewMat(x.R, l.Out)
	matMulInt4(y, x.Cast(l.Precision), l.Weight.Value, l.ScalesAndZeros.Value, l.GroupSize)
	if l.Bias != nil {
		tensor.AddRowVec(y, l.Bias.Value.Data)
	}
	return y.Cast(l.Precision), nil
}
