// Package qat implements quantization-aware training: fake quantizers that
// simulate integer rounding and clamping in float arithmetic with
// straight-through gradients, layer adapters that insert them into a model,
// and two-step quantizers that prepare a float model for training and later
// convert it into the matching post-training quantized model.
package qat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/quant"
)

var (
	// ErrInvalidConfig reports an inconsistent fake quantization config.
	ErrInvalidConfig = errors.New("qat: invalid config")
	// ErrNotSupported reports a requested feature that is not implemented.
	ErrNotSupported = errors.New("qat: not supported")
	// ErrUnknownType reports an unrecognised granularity or layer type.
	ErrUnknownType = errors.New("qat: unknown type")
)

// Granularity is the set of elements that share one scale and zero point.
type Granularity uint8

const (
	// PerToken shares parameters across each row.
	PerToken Granularity = iota + 1
	// PerChannel is PerGroup with the group spanning the whole row.
	PerChannel
	// PerGroup shares parameters across GroupSize consecutive columns.
	PerGroup
)

func (g Granularity) String() string {
	switch g {
	case PerToken:
		return "per_token"
	case PerChannel:
		return "per_channel"
	case PerGroup:
		return "per_group"
	case 0:
		return "unset"
	default:
		return fmt.Sprintf("Granularity(%d)", uint8(g))
	}
}

// ParseGranularity parses "per_token", "per_channel" or "per_group".
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "per_token":
		return PerToken, nil
	case "per_channel":
		return PerChannel, nil
	case "per_group":
		return PerGroup, nil
	default:
		return 0, fmt.Errorf("%w: unknown granularity %q", ErrInvalidConfig, s)
	}
}

// FakeQuantizeConfig describes how one tensor is fake quantized. Construct
// it with NewFakeQuantizeConfig; the zero value is not valid.
//
// Granularity and group size are coupled: a group size implies PerGroup, and
// PerGroup requires a group size. SetGroupSize switches the config to
// PerGroup; SetGranularity to anything else clears the group size.
type FakeQuantizeConfig struct {
	bitWidth           int
	granularity        Granularity
	groupSize          int
	symmetric          bool
	zeroPointDomain    quant.ZeroPointDomain
	scalePrecision     tensor.DType
	zeroPointPrecision tensor.DType
	dynamic            bool
	rangeLearning      bool
}

// ConfigOption customises a FakeQuantizeConfig.
type ConfigOption func(*FakeQuantizeConfig) error

// WithGranularity sets the granularity.
func WithGranularity(g Granularity) ConfigOption {
	return func(c *FakeQuantizeConfig) error {
		c.granularity = g
		return nil
	}
}

// WithGranularityName sets the granularity from its name.
func WithGranularityName(name string) ConfigOption {
	return func(c *FakeQuantizeConfig) error {
		g, err := ParseGranularity(name)
		if err != nil {
			return err
		}
		c.granularity = g
		return nil
	}
}

// WithGroupSize sets the group size.
func WithGroupSize(n int) ConfigOption {
	return func(c *FakeQuantizeConfig) error {
		if n <= 0 {
			return fmt.Errorf("%w: group_size must be positive, got %d", ErrInvalidConfig, n)
		}
		c.groupSize = n
		return nil
	}
}

// WithSymmetric selects symmetric (true) or affine (false) parameters.
func WithSymmetric(symmetric bool) ConfigOption {
	return func(c *FakeQuantizeConfig) error {
		c.symmetric = symmetric
		return nil
	}
}

// WithZeroPointDomain selects where the zero point is applied.
func WithZeroPointDomain(d quant.ZeroPointDomain) ConfigOption {
	return func(c *FakeQuantizeConfig) error {
		c.zeroPointDomain = d
		return nil
	}
}

// WithScalePrecision sets the storage type of scales.
func WithScalePrecision(d tensor.DType) ConfigOption {
	return func(c *FakeQuantizeConfig) error {
		c.scalePrecision = d
		return nil
	}
}

// WithZeroPointPrecision sets the storage type of zero points.
func WithZeroPointPrecision(d tensor.DType) ConfigOption {
	return func(c *FakeQuantizeConfig) error {
		c.zeroPointPrecision = d
		return nil
	}
}

// WithDynamic selects per-call (true) or cached (false) parameters.
func WithDynamic(dynamic bool) ConfigOption {
	return func(c *FakeQuantizeConfig) error {
		c.dynamic = dynamic
		return nil
	}
}

// WithRangeLearning requests trainable clipping ranges.
func WithRangeLearning(enabled bool) ConfigOption {
	return func(c *FakeQuantizeConfig) error {
		c.rangeLearning = enabled
		return nil
	}
}

// NewFakeQuantizeConfig builds a validated config. Defaults: symmetric, int
// zero point domain, float32 scales, int32 zero points, dynamic. Either a
// granularity or a group size must be given.
func NewFakeQuantizeConfig(bitWidth int, opts ...ConfigOption) (FakeQuantizeConfig, error) {
	c := FakeQuantizeConfig{
		bitWidth:           bitWidth,
		symmetric:          true,
		zeroPointDomain:    quant.ZeroPointInt,
		scalePrecision:     tensor.F32,
		zeroPointPrecision: tensor.I32,
		dynamic:            true,
	}
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return FakeQuantizeConfig{}, err
		}
	}
	if bitWidth <= 0 || bitWidth > 16 {
		return FakeQuantizeConfig{}, fmt.Errorf("%w: bit_width must be in [1,16], got %d", ErrInvalidConfig, bitWidth)
	}
	if c.rangeLearning {
		return FakeQuantizeConfig{}, fmt.Errorf("%w: range learning", ErrNotSupported)
	}
	if err := c.normalize(); err != nil {
		return FakeQuantizeConfig{}, err
	}
	return c, nil
}

// MustFakeQuantizeConfig is NewFakeQuantizeConfig for configs known to be
// valid, such as the fixed configs of the built-in layer adapters.
func MustFakeQuantizeConfig(bitWidth int, opts ...ConfigOption) FakeQuantizeConfig {
	c, err := NewFakeQuantizeConfig(bitWidth, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// normalize is the single place where granularity and group size are
// reconciled and checked.
func (c *FakeQuantizeConfig) normalize() error {
	switch {
	case c.granularity == 0 && c.groupSize == 0:
		return fmt.Errorf("%w: group_size or granularity must be set", ErrInvalidConfig)
	case c.granularity == 0:
		c.granularity = PerGroup
	case c.granularity == PerGroup && c.groupSize == 0:
		return fmt.Errorf("%w: granularity was per_group but no group_size was set", ErrInvalidConfig)
	case c.granularity != PerGroup && c.groupSize != 0:
		return fmt.Errorf("%w: group_size was set (%d) but granularity was %s", ErrInvalidConfig, c.groupSize, c.granularity)
	}
	switch c.granularity {
	case PerToken, PerChannel, PerGroup:
		return nil
	default:
		return fmt.Errorf("%w: granularity %v", ErrUnknownType, c.granularity)
	}
}

// SetGroupSize sets the group size and switches the config to PerGroup.
func (c *FakeQuantizeConfig) SetGroupSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: group_size must be positive, got %d", ErrInvalidConfig, n)
	}
	next := *c
	next.groupSize = n
	next.granularity = PerGroup
	if err := next.normalize(); err != nil {
		return err
	}
	*c = next
	return nil
}

// SetGranularity changes the granularity. Moving away from PerGroup clears
// the group size; moving to PerGroup requires one to be set already.
func (c *FakeQuantizeConfig) SetGranularity(g Granularity) error {
	next := *c
	next.granularity = g
	if g != PerGroup {
		next.groupSize = 0
	}
	if err := next.normalize(); err != nil {
		return err
	}
	*c = next
	return nil
}

// SetGranularityName is SetGranularity from a granularity name.
func (c *FakeQuantizeConfig) SetGranularityName(name string) error {
	g, err := ParseGranularity(name)
	if err != nil {
		return err
	}
	return c.SetGranularity(g)
}

func (c FakeQuantizeConfig) BitWidth() int                          { return c.bitWidth }
func (c FakeQuantizeConfig) Granularity() Granularity               { return c.granularity }
func (c FakeQuantizeConfig) Symmetric() bool                        { return c.symmetric }
func (c FakeQuantizeConfig) ZeroPointDomain() quant.ZeroPointDomain { return c.zeroPointDomain }
func (c FakeQuantizeConfig) ScalePrecision() tensor.DType           { return c.scalePrecision }
func (c FakeQuantizeConfig) ZeroPointPrecision() tensor.DType       { return c.zeroPointPrecision }
func (c FakeQuantizeConfig) Dynamic() bool                          { return c.dynamic }
func (c FakeQuantizeConfig) RangeLearning() bool                    { return c.rangeLearning }

// GroupSize returns the group size and whether one is set.
func (c FakeQuantizeConfig) GroupSize() (int, bool) {
	return c.groupSize, c.groupSize > 0
}

func (c FakeQuantizeConfig) String() string {
	s := fmt.Sprintf("int%d %s", c.bitWidth, c.granularity)
	if c.granularity == PerGroup {
		s += fmt.Sprintf("(%d)", c.groupSize)
	}
	if c.symmetric {
		s += " sym"
	} else {
		s += fmt.Sprintf(" asym zp=%s", c.zeroPointDomain)
	}
	if !c.dynamic {
		s += " static"
	}
	return s
}
