package qat

import (
	"fmt"

	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/ptq"
)

// TwoStepQuantizer swaps layers of a float model for fake quantized ones
// before training, then swaps those for real quantized layers afterwards.
type TwoStepQuantizer interface {
	Prepare(model nn.Module) (nn.Module, error)
	Convert(model nn.Module) (nn.Module, error)
}

var (
	_ TwoStepQuantizer = (*Int8DynActInt4WeightQATQuantizer)(nil)
	_ TwoStepQuantizer = (*Int4WeightOnlyQATQuantizer)(nil)
	_ TwoStepQuantizer = (*Int4WeightOnlyEmbeddingQATQuantizer)(nil)
	_ TwoStepQuantizer = (*ComposableQATQuantizer)(nil)
)

// ComposableQATQuantizer runs several quantizers as one. Both phases apply
// the constituents in list order, so quantizers that touch disjoint layer
// types can be combined freely.
type ComposableQATQuantizer struct {
	Quantizers []TwoStepQuantizer
}

// NewComposableQATQuantizer returns a quantizer applying qs in order.
func NewComposableQATQuantizer(qs ...TwoStepQuantizer) *ComposableQATQuantizer {
	return &ComposableQATQuantizer{Quantizers: qs}
}

func (c *ComposableQATQuantizer) Prepare(model nn.Module) (nn.Module, error) {
	return c.each(model, TwoStepQuantizer.Prepare)
}

func (c *ComposableQATQuantizer) Convert(model nn.Module) (nn.Module, error) {
	return c.each(model, TwoStepQuantizer.Convert)
}

func (c *ComposableQATQuantizer) each(model nn.Module, step func(TwoStepQuantizer, nn.Module) (nn.Module, error)) (nn.Module, error) {
	for i, q := range c.Quantizers {
		var err error
		if model, err = step(q, model); err != nil {
			return nil, fmt.Errorf("quantizer %d (%T): %w", i, q, err)
		}
	}
	return model, nil
}

// fakeQuantized is implemented by every layer that owns fake quantizers.
type fakeQuantized interface {
	FakeQuantizers() []*FakeQuantizer
}

func setEnabled(fqs []*FakeQuantizer, enabled bool) {
	for _, f := range fqs {
		if enabled {
			f.Enable()
		} else {
			f.Disable()
		}
	}
}

// SetFakeQuantEnabled turns every fake quantizer below root on or off.
func SetFakeQuantEnabled(root nn.Module, enabled bool) {
	nn.Apply(root, func(m nn.Module) {
		if fq, ok := m.(fakeQuantized); ok {
			setEnabled(fq.FakeQuantizers(), enabled)
		}
	})
}

// Enable8da4wFakeQuant is an nn.Apply visitor that enables fake quantization
// in Int8DynActInt4WeightQATLinear layers.
func Enable8da4wFakeQuant(m nn.Module) {
	if l, ok := m.(*Int8DynActInt4WeightQATLinear); ok {
		l.EnableFakeQuant(true)
	}
}

// Disable8da4wFakeQuant is the inverse of Enable8da4wFakeQuant.
func Disable8da4wFakeQuant(m nn.Module) {
	if l, ok := m.(*Int8DynActInt4WeightQATLinear); ok {
		l.EnableFakeQuant(false)
	}
}

// Enable4wFakeQuant is an nn.Apply visitor that enables fake quantization in
// Int4WeightOnlyQATLinear layers.
func Enable4wFakeQuant(m nn.Module) {
	if l, ok := m.(*Int4WeightOnlyQATLinear); ok {
		l.EnableFakeQuant(true)
	}
}

// Disable4wFakeQuant is the inverse of Enable4wFakeQuant.
func Disable4wFakeQuant(m nn.Module) {
	if l, ok := m.(*Int4WeightOnlyQATLinear); ok {
		l.EnableFakeQuant(false)
	}
}

// SetPTQWeight quantizes the current float weight of qatLayer into the
// buffers of ptqLayer. The two layers must be a matching pair.
func SetPTQWeight(ptqLayer, qatLayer nn.Module) error {
	switch p := ptqLayer.(type) {
	case *ptq.Int8DynActInt4WeightLinear:
		if q, ok := qatLayer.(*Int8DynActInt4WeightQATLinear); ok {
			return p.QuantizeWeight(q.Weight.Value)
		}
	case *ptq.WeightOnlyInt4Linear:
		if q, ok := qatLayer.(*Int4WeightOnlyQATLinear); ok {
			return p.QuantizeWeight(q.Weight.Value)
		}
	case *ptq.Int4WeightOnlyEmbedding:
		if q, ok := qatLayer.(*Int4WeightOnlyQATEmbedding); ok {
			return p.QuantizeWeight(q.Weight.Value)
		}
	}
	return fmt.Errorf("%w: cannot set %s weight from %s", ErrUnknownType, nn.TypeName(ptqLayer), nn.TypeName(qatLayer))
}
