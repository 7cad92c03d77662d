package qat

import (
	"fmt"
	"testing"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/quant"
)

type fakeQuantCase struct {
	name      string
	bits      int
	gran      Granularity
	groupSize int
	symmetric bool
	domain    quant.ZeroPointDomain
}

func fakeQuantCases() []fakeQuantCase {
	var cases []fakeQuantCase
	for bits := 2; bits <= 8; bits++ {
		cases = append(cases, fakeQuantCase{
			name: fmt.Sprintf("int%d/per_token", bits), bits: bits, gran: PerToken, domain: quant.ZeroPointInt,
		})
		for _, sym := range []bool{true, false} {
			for _, domain := range []quant.ZeroPointDomain{quant.ZeroPointInt, quant.ZeroPointFloat} {
				cases = append(cases, fakeQuantCase{
					name: fmt.Sprintf("int%d/per_channel/sym=%v/%v", bits, sym, domain),
					bits: bits, gran: PerChannel, symmetric: sym, domain: domain,
				})
				for _, gs := range []int{2, 16, 32, 48} {
					cases = append(cases, fakeQuantCase{
						name: fmt.Sprintf("int%d/group%d/sym=%v/%v", bits, gs, sym, domain),
						bits: bits, gran: PerGroup, groupSize: gs, symmetric: sym, domain: domain,
					})
				}
			}
		}
	}
	return cases
}

func (tc fakeQuantCase) config() (FakeQuantizeConfig, error) {
	opts := []ConfigOption{
		WithSymmetric(tc.symmetric),
		WithZeroPointDomain(tc.domain),
		WithDynamic(false),
	}
	if tc.domain == quant.ZeroPointFloat {
		opts = append(opts, WithZeroPointPrecision(tensor.F32))
	}
	if tc.gran == PerGroup {
		opts = append(opts, WithGroupSize(tc.groupSize))
	} else {
		opts = append(opts, WithGranularity(tc.gran))
	}
	return NewFakeQuantizeConfig(tc.bits, opts...)
}

// grid returns the quantization range the quantizer dispatches to.
func (tc fakeQuantCase) grid() (qmin, qmax, groupSize int) {
	switch tc.gran {
	case PerToken:
		qmin, qmax = quant.QMinQMax(tc.bits, true)
		return qmin, qmax, 96
	case PerChannel:
		qmin, qmax = quant.QMinQMax(tc.bits, tc.symmetric)
		return qmin, qmax, 96
	default:
		qmin, qmax = quant.QMinQMax(tc.bits, tc.symmetric)
		return qmin, qmax, tc.groupSize
	}
}

func scaled(m *tensor.Mat, k float32) *tensor.Mat {
	out := m.Clone()
	for i := range out.Data {
		out.Data[i] *= k
	}
	return out
}

func ones(r, c int) *tensor.Mat {
	m := tensor.NewMat(r, c)
	for i := range m.Data {
		m.Data[i] = 1
	}
	return m
}

// TestFakeQuantizerMatchesDiscreteQuantization runs every supported
// combination of bit width, granularity, symmetry and zero point domain and
// requires the fake quantized output to equal quantize followed by
// dequantize exactly. Parameters are calibrated on x and then applied to a
// wider input so that clamping and the gradient mask are exercised.
func TestFakeQuantizerMatchesDiscreteQuantization(t *testing.T) {
	t.Parallel()
	calib := normal(6, 96, 21)
	x := scaled(normal(6, 96, 22), 1.5)

	for _, tc := range fakeQuantCases() {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := tc.config()
			if err != nil {
				t.Fatalf("config: %v", err)
			}
			fq, err := NewFakeQuantizer(cfg)
			if err != nil {
				t.Fatalf("NewFakeQuantizer: %v", err)
			}
			if _, err := fq.Forward(calib); err != nil {
				t.Fatalf("calibrate: %v", err)
			}
			got, err := fq.Forward(x)
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			scale, zp := fq.Scale(), fq.ZeroPoint()
			qmin, qmax, gs := tc.grid()

			var want *tensor.Mat
			switch {
			case tc.gran == PerToken:
				q, err := quant.QuantizePerToken(x, scale, zp, qmin, qmax, tensor.I32)
				if err != nil {
					t.Fatalf("QuantizePerToken: %v", err)
				}
				want, err = quant.DequantizePerToken(q, scale, zp, qmin, qmax)
				if err != nil {
					t.Fatalf("DequantizePerToken: %v", err)
				}
			case tc.domain == quant.ZeroPointInt:
				q, err := quant.QuantizePerChannelGroup(x, scale, zp, qmin, qmax, tensor.I32, gs)
				if err != nil {
					t.Fatalf("QuantizePerChannelGroup: %v", err)
				}
				want, err = quant.DequantizePerChannelGroup(q, scale, zp, qmin, qmax, gs)
				if err != nil {
					t.Fatalf("DequantizePerChannelGroup: %v", err)
				}
			default:
				g := quant.Grid{QMin: qmin, QMax: qmax, Domain: quant.ZeroPointFloat}
				q, err := quant.Quantize(x, scale, zp, gs, g, tensor.I32)
				if err != nil {
					t.Fatalf("Quantize: %v", err)
				}
				want, err = quant.Dequantize(q, scale, zp, gs, g)
				if err != nil {
					t.Fatalf("Dequantize: %v", err)
				}
			}
			if !tensor.Equal(got, want) {
				t.Fatalf("fake quantize differs from quantize+dequantize by %g", tensor.MaxAbsDiff(got.Data, want.Data))
			}

			mask, err := fq.Backward(ones(x.R, x.C))
			if err != nil {
				t.Fatalf("Backward: %v", err)
			}
			if tc.domain == quant.ZeroPointInt {
				checkAgainstPerChannelAffine(t, x, got, mask, scale, zp, qmin, qmax, gs)
			}
		})
	}
}

// checkAgainstPerChannelAffine views every group of x as its own row and
// compares output and gradient mask with the per-row reference.
func checkAgainstPerChannelAffine(t *testing.T, x, got, mask, scale, zp *tensor.Mat, qmin, qmax, groupSize int) {
	t.Helper()
	rows, err := x.Reshape(x.Len()/groupSize, groupSize)
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	zeros := make([]int32, zp.Len())
	for i, v := range zp.Data {
		zeros[i] = int32(v)
	}
	ref, refMask, err := quant.FakeQuantizePerChannelAffine(rows, scale.Data, zeros, qmin, qmax)
	if err != nil {
		t.Fatalf("FakeQuantizePerChannelAffine: %v", err)
	}
	clamped := 0
	for i := range ref.Data {
		if ref.Data[i] != got.Data[i] {
			t.Fatalf("element %d: got %v, reference %v", i, got.Data[i], ref.Data[i])
		}
		if refMask[i] != (mask.Data[i] == 1) {
			t.Fatalf("element %d: mask %v, reference %v", i, mask.Data[i], refMask[i])
		}
		if !refMask[i] {
			clamped++
		}
	}
	if clamped == 0 {
		t.Fatal("no element was clamped; the mask is untested")
	}
}
