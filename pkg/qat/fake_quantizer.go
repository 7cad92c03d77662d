package qat

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/quant"
)

// FakeQuantizer fake quantizes one tensor site, an activation or a weight,
// according to its config. It caches the last scale and zero point; static
// configs compute them on the first call and reuse them afterwards.
//
// A FakeQuantizer is not safe for concurrent use.
type FakeQuantizer struct {
	config  FakeQuantizeConfig
	enabled bool

	scale     *tensor.Mat
	zeroPoint *tensor.Mat
	ste       *quant.STE
	ran       bool
}

// NewFakeQuantizer returns an enabled quantizer for cfg.
func NewFakeQuantizer(cfg FakeQuantizeConfig) (*FakeQuantizer, error) {
	if cfg.bitWidth == 0 {
		return nil, fmt.Errorf("%w: zero config", ErrInvalidConfig)
	}
	if cfg.rangeLearning {
		return nil, fmt.Errorf("%w: range learning", ErrNotSupported)
	}
	return &FakeQuantizer{config: cfg, enabled: true}, nil
}

func (f *FakeQuantizer) Config() FakeQuantizeConfig { return f.config }
func (f *FakeQuantizer) Enabled() bool              { return f.enabled }
func (f *FakeQuantizer) Enable()                    { f.enabled = true }
func (f *FakeQuantizer) Disable()                   { f.enabled = false }

// Scale returns the cached scale, nil before the first enabled call.
func (f *FakeQuantizer) Scale() *tensor.Mat { return f.scale }

// ZeroPoint returns the cached zero point, nil before the first enabled call.
func (f *FakeQuantizer) ZeroPoint() *tensor.Mat { return f.zeroPoint }

// Reset drops cached parameters so the next call recomputes them.
func (f *FakeQuantizer) Reset() {
	f.scale, f.zeroPoint = nil, nil
}

func (f *FakeQuantizer) shouldComputeQParams() bool {
	return f.config.dynamic || f.scale == nil || f.zeroPoint == nil
}

// Forward returns the fake quantized x, or x itself when disabled.
func (f *FakeQuantizer) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	f.ran = true
	if !f.enabled {
		f.ste = nil
		return x, nil
	}
	var (
		out *tensor.Mat
		ste *quant.STE
		err error
	)
	switch f.config.granularity {
	case PerToken:
		out, ste, err = f.perTokenForward(x)
	case PerChannel:
		out, ste, err = f.perGroupForward(x, x.C)
	case PerGroup:
		out, ste, err = f.perGroupForward(x, f.config.groupSize)
	default:
		return nil, fmt.Errorf("%w: granularity %v", ErrUnknownType, f.config.granularity)
	}
	if err != nil {
		return nil, err
	}
	f.ste = ste
	return out, nil
}

// Backward applies the straight-through mask of the last Forward. When that
// call was disabled the gradient passes unchanged.
func (f *FakeQuantizer) Backward(grad *tensor.Mat) (*tensor.Mat, error) {
	if !f.ran {
		return nil, nn.ErrNoForward
	}
	return f.ste.Backward(grad)
}

func (f *FakeQuantizer) perTokenForward(x *tensor.Mat) (*tensor.Mat, *quant.STE, error) {
	if f.config.symmetric {
		return nil, nil, fmt.Errorf("%w: symmetric per token quantization", ErrNotSupported)
	}
	// Per-token parameters are asymmetric on the signed grid.
	qmin, qmax := quant.QMinQMax(f.config.bitWidth, true)
	if f.shouldComputeQParams() {
		s, zp, err := quant.ChooseQParamsPerTokenAsymmetric(x, qmin, qmax, f.config.scalePrecision, f.config.zeroPointPrecision)
		if err != nil {
			return nil, nil, err
		}
		f.scale, f.zeroPoint = s, zp
	}
	return quant.FakeQuantizePerToken(x, f.scale, f.zeroPoint, qmin, qmax)
}

func (f *FakeQuantizer) perGroupForward(x *tensor.Mat, groupSize int) (*tensor.Mat, *quant.STE, error) {
	c := f.config
	if f.shouldComputeQParams() {
		var (
			s, zp *tensor.Mat
			err   error
		)
		if c.symmetric {
			s, zp, err = quant.GroupQParamsSymmetric(x, c.bitWidth, groupSize, c.scalePrecision)
		} else {
			s, zp, err = quant.GroupQParamsAffine(x, c.bitWidth, groupSize, c.scalePrecision, c.zeroPointPrecision, c.zeroPointDomain)
		}
		if err != nil {
			return nil, nil, err
		}
		f.scale, f.zeroPoint = s, zp.Cast(c.zeroPointPrecision)
	}
	qmin, qmax := quant.QMinQMax(c.bitWidth, c.symmetric)
	return quant.FakeQuantizePerChannelGroup(x, f.scale, f.zeroPoint, qmin, qmax, groupSize, c.zeroPointDomain)
}
