package qat

import (
	"fmt"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/ptq"
	"github.com/samcharles93/qat/pkg/quant"
)

// FakeQuantizedEmbedding looks up rows of a weight table that passes through
// a fake quantizer first.
type FakeQuantizedEmbedding struct {
	Num, Dim int
	Weight   *nn.Parameter

	WeightFakeQuantizer *FakeQuantizer

	ids []int
	wq  *tensor.Mat
}

// FromEmbedding wraps the table of e, sharing it by reference. A nil config
// leaves the table in float.
func FromEmbedding(e *nn.Embedding, weight *FakeQuantizeConfig) (*FakeQuantizedEmbedding, error) {
	fe := &FakeQuantizedEmbedding{Num: e.Num, Dim: e.Dim, Weight: e.Weight}
	if weight != nil {
		fq, err := NewFakeQuantizer(*weight)
		if err != nil {
			return nil, fmt.Errorf("weight: %w", err)
		}
		fe.WeightFakeQuantizer = fq
	}
	return fe, nil
}

// ToEmbedding returns a plain embedding sharing this layer's table.
func (e *FakeQuantizedEmbedding) ToEmbedding() *nn.Embedding {
	return &nn.Embedding{Num: e.Num, Dim: e.Dim, Weight: e.Weight}
}

func (e *FakeQuantizedEmbedding) FakeQuantizers() []*FakeQuantizer {
	if e.WeightFakeQuantizer == nil {
		return nil
	}
	return []*FakeQuantizer{e.WeightFakeQuantizer}
}

func (e *FakeQuantizedEmbedding) State() []nn.Named {
	return []nn.Named{{Name: "weight", Param: e.Weight}}
}

func (e *FakeQuantizedEmbedding) Forward(ids *tensor.Mat) (*tensor.Mat, error) {
	if e.Weight.Value.IsPlaceholder() {
		return nil, tensor.ErrPlaceholder
	}
	idx, err := nn.TokenIDs(ids, e.Num)
	if err != nil {
		return nil, err
	}
	wq, err := fakeQuantize(e.WeightFakeQuantizer, e.Weight.Value)
	if err != nil {
		return nil, fmt.Errorf("weight: %w", err)
	}
	y, err := nn.EmbeddingForward(idx, wq)
	if err != nil {
		return nil, err
	}
	e.ids, e.wq = idx, wq
	return y, nil
}

// Backward scatters grad into the table gradient through the weight
// quantizer's straight-through mask. Token ids have no gradient.
func (e *FakeQuantizedEmbedding) Backward(grad *tensor.Mat) (*tensor.Mat, error) {
	if e.ids == nil {
		return nil, nn.ErrNoForward
	}
	if grad.R != len(e.ids) || grad.C != e.Dim {
		return nil, fmt.Errorf("%w: embedding gradient [%d,%d], want [%d,%d]", quant.ErrShape, grad.R, grad.C, len(e.ids), e.Dim)
	}
	gw := tensor.NewMat(e.Num, e.Dim)
	for i, id := range e.ids {
		tensor.Add(gw.Row(id), grad.Row(i))
	}
	gw, err := steBackward(e.WeightFakeQuantizer, gw)
	if err != nil {
		return nil, fmt.Errorf("weight: %w", err)
	}
	e.Weight.AccumulateGrad(gw)
	return nil, nil
}

// Int4WeightOnlyQATEmbedding simulates ptq.Int4WeightOnlyEmbedding.
type Int4WeightOnlyQATEmbedding struct {
	*FakeQuantizedEmbedding
	GroupSize          int
	ScalePrecision     tensor.DType
	ZeroPointPrecision tensor.DType
}

// Int4WeightOnlyEmbeddingConfig returns the table config of the int4
// embedding scheme.
func Int4WeightOnlyEmbeddingConfig(groupSize int, scalePrecision, zeroPointPrecision tensor.DType) (FakeQuantizeConfig, error) {
	return NewFakeQuantizeConfig(4,
		WithGroupSize(groupSize),
		WithSymmetric(true),
		WithScalePrecision(scalePrecision),
		WithZeroPointPrecision(zeroPointPrecision),
	)
}

// NewInt4WeightOnlyQATEmbedding wraps the table of e.
func NewInt4WeightOnlyQATEmbedding(e *nn.Embedding, groupSize int, scalePrecision, zeroPointPrecision tensor.DType) (*Int4WeightOnlyQATEmbedding, error) {
	if groupSize <= 0 || e.Dim%groupSize != 0 {
		return nil, fmt.Errorf("%w: embedding dim %d not divisible by group size %d", quant.ErrShape, e.Dim, groupSize)
	}
	cfg, err := Int4WeightOnlyEmbeddingConfig(groupSize, scalePrecision, zeroPointPrecision)
	if err != nil {
		return nil, err
	}
	fe, err := FromEmbedding(e, &cfg)
	if err != nil {
		return nil, err
	}
	return &Int4WeightOnlyQATEmbedding{
		FakeQuantizedEmbedding: fe,
		GroupSize:              groupSize,
		ScalePrecision:         scalePrecision,
		ZeroPointPrecision:     zeroPointPrecision,
	}, nil
}

// EnableFakeQuant turns the table fake quantizer on or off.
func (e *Int4WeightOnlyQATEmbedding) EnableFakeQuant(enabled bool) {
	setEnabled(e.FakeQuantizers(), enabled)
}

// Int4WeightOnlyEmbeddingQATQuantizer prepares nn.Embedding layers for int4
// weight-only training and converts them to ptq.Int4WeightOnlyEmbedding.
type Int4WeightOnlyEmbeddingQATQuantizer struct {
	GroupSize          int
	ScalePrecision     tensor.DType
	ZeroPointPrecision tensor.DType
	Logger             logger.Logger
}

// NewInt4WeightOnlyEmbeddingQATQuantizer returns a quantizer with float32
// scales and int32 zero points. A non-positive group size selects 32.
func NewInt4WeightOnlyEmbeddingQATQuantizer(groupSize int) *Int4WeightOnlyEmbeddingQATQuantizer {
	if groupSize <= 0 {
		groupSize = ptq.DefaultEmbeddingGroupSize
	}
	return &Int4WeightOnlyEmbeddingQATQuantizer{
		GroupSize:          groupSize,
		ScalePrecision:     tensor.F32,
		ZeroPointPrecision: tensor.I32,
	}
}

func (q *Int4WeightOnlyEmbeddingQATQuantizer) groupSize() int {
	if q.GroupSize <= 0 {
		return ptq.DefaultEmbeddingGroupSize
	}
	return q.GroupSize
}

func (q *Int4WeightOnlyEmbeddingQATQuantizer) Prepare(model nn.Module) (nn.Module, error) {
	log := logger.OrDiscard(q.Logger)
	gs := q.groupSize()
	return nn.Rewrite(model, func(path string, m nn.Module) (nn.Module, error) {
		emb, ok := m.(*nn.Embedding)
		if !ok {
			return nil, nil
		}
		if emb.Dim%gs != 0 {
			log.Warn("skipping layer", "path", path, "embedding_dim", emb.Dim, "group_size", gs)
			return nil, nil
		}
		out, err := NewInt4WeightOnlyQATEmbedding(emb, gs, q.ScalePrecision, q.ZeroPointPrecision)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Debug("prepared layer", "path", path, "type", nn.TypeName(out))
		return out, nil
	})
}

func (q *Int4WeightOnlyEmbeddingQATQuantizer) Convert(model nn.Module) (nn.Module, error) {
	log := logger.OrDiscard(q.Logger)
	return nn.Rewrite(model, func(path string, m nn.Module) (nn.Module, error) {
		e, ok := m.(*Int4WeightOnlyQATEmbedding)
		if !ok {
			return nil, nil
		}
		p := &ptq.Int4WeightOnlyEmbeddingQuantizer{
			GroupSize:          e.GroupSize,
			ScalePrecision:     e.ScalePrecision,
			ZeroPointPrecision: e.ZeroPointPrecision,
		}
		out, err := p.FromEmbedding(e.Weight.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Debug("converted layer", "path", path, "type", nn.TypeName(out))
		return out, nil
	})
}
