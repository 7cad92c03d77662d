package ptq

import (
	"errors"
	"math/rand"
	"slices"
	"testing"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/quant"
)

func normal(r, c int, seed int64) *tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillNormal(m, rand.New(rand.NewSource(seed)))
	return m
}

func TestMatMulInt4MatchesDequantizedProduct(t *testing.T) {
	t.Parallel()
	w := normal(48, 128, 1)
	x := normal(5, 128, 2)
	const gs = 32

	l, err := NewWeightOnlyInt4Linear(128, 48, gs, 8, false, tensor.F32, tensor.F32)
	if err != nil {
		t.Fatalf("NewWeightOnlyInt4Linear: %v", err)
	}
	if err := l.QuantizeWeight(w); err != nil {
		t.Fatalf("QuantizeWeight: %v", err)
	}

	scale, zero, err := Int4WeightOnlyQParams(w, gs, tensor.F32)
	if err != nil {
		t.Fatalf("qparams: %v", err)
	}
	grid := quant.Grid{QMin: UInt4QMin, QMax: UInt4QMax, Domain: quant.ZeroPointFloat}
	q, err := quant.Quantize(w, scale, zero, gs, grid, tensor.U8)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	dq, err := quant.Dequantize(q, scale, zero, gs, grid)
	if err != nil {
		t.Fatalf("Dequantize: %v", err)
	}
	want, err := nn.LinearForward(x, dq, nil)
	if err != nil {
		t.Fatalf("LinearForward: %v", err)
	}

	got, err := l.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !tensor.Equal(got, want) {
		t.Fatalf("packed product differs by %g", tensor.MaxAbsDiff(got.Data, want.Data))
	}
}

func TestWeightOnlyInt4LinearRejectsBadShapes(t *testing.T) {
	t.Parallel()
	if _, err := NewWeightOnlyInt4Linear(100, 8, 32, 8, false, tensor.F32, tensor.F32); !errors.Is(err, quant.ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
	if _, err := NewWeightOnlyInt4Linear(256, 8, 32, 3, false, tensor.F32, tensor.F32); err == nil {
		t.Fatal("expected inner_k_tiles error")
	}
	l, err := NewWeightOnlyInt4Linear(256, 8, 32, 8, false, tensor.F32, tensor.F32)
	if err != nil {
		t.Fatalf("NewWeightOnlyInt4Linear: %v", err)
	}
	if err := l.QuantizeWeight(tensor.NewPlaceholder(8, 256, tensor.F32)); !errors.Is(err, tensor.ErrPlaceholder) {
		t.Fatalf("expected ErrPlaceholder, got %v", err)
	}
}

func TestInt8DynActInt4WeightLinearWeightsOnGrid(t *testing.T) {
	t.Parallel()
	w := normal(16, 64, 3)
	q := &Int8DynActInt4WeightQuantizer{GroupSize: 32}
	l, err := q.FromLinear(w, nil)
	if err != nil {
		t.Fatalf("FromLinear: %v", err)
	}
	for _, v := range l.Weight.Value.Data {
		if v < -8 || v > 7 {
			t.Fatalf("weight value %v outside int4 grid", v)
		}
	}
	if l.Scales.Value.R != 16 || l.Scales.Value.C != 2 {
		t.Fatalf("scales shape [%d,%d]", l.Scales.Value.R, l.Scales.Value.C)
	}
	keys := nn.StateKeys(l)
	if want := []string{"scales", "weight", "zeros"}; !slices.Equal(keys, want) {
		t.Fatalf("state keys = %v, want %v", keys, want)
	}

	x := normal(3, 64, 4)
	y, err := l.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	ref, err := nn.LinearForward(x, w, nil)
	if err != nil {
		t.Fatalf("LinearForward: %v", err)
	}
	if d := tensor.MaxAbsDiff(y.Data, ref.Data); d > 2 {
		t.Fatalf("quantized output too far from float: %g", d)
	}
}

func testModel(rng *rand.Rand) nn.Module {
	return nn.NewSequential(
		nn.Child{Name: "linear1", Module: nn.NewLinear(128, 64, false, rng)},
		nn.Child{Name: "odd", Module: nn.NewLinear(64, 40, false, rng)},
		nn.Child{Name: "linear2", Module: nn.NewLinear(40, 32, false, rng)},
	)
}

func TestQuantizersSkipIncompatibleLayers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		q    Quantizer
		want string
	}{
		{"8da4w", &Int8DynActInt4WeightQuantizer{GroupSize: 32}, "Int8DynActInt4WeightLinear"},
		{"4w", &Int4WeightOnlyQuantizer{GroupSize: 32, InnerKTiles: 2}, "WeightOnlyInt4Linear"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := tc.q.Quantize(testModel(rand.New(rand.NewSource(5))))
			if err != nil {
				t.Fatalf("Quantize: %v", err)
			}
			for path, want := range map[string]string{"linear1": tc.want, "odd": tc.want, "linear2": "Linear"} {
				got, err := nn.Get(m, path)
				if err != nil {
					t.Fatalf("Get(%s): %v", path, err)
				}
				if nn.TypeName(got) != want {
					t.Fatalf("%s is %s, want %s", path, nn.TypeName(got), want)
				}
			}
			if _, err := m.Forward(normal(2, 128, 6)); err != nil {
				t.Fatalf("Forward: %v", err)
			}
		})
	}
}

func TestInt4WeightOnlyEmbedding(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(7))
	emb := nn.NewEmbedding(10, 64, rng)
	q := NewInt4WeightOnlyEmbeddingQuantizer(0)
	m, err := q.Quantize(emb)
	if err != nil {
		t.Fatalf("Quantize: %v", err)
	}
	qe, ok := m.(*Int4WeightOnlyEmbedding)
	if !ok {
		t.Fatalf("root not replaced: %T", m)
	}
	if qe.GroupSize != DefaultEmbeddingGroupSize {
		t.Fatalf("group size = %d", qe.GroupSize)
	}
	ids := tensor.NewMatFromData(1, 3, []float32{1, 9, 1})
	y, err := qe.Forward(ids)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !slices.Equal(y.Row(0), y.Row(2)) {
		t.Fatal("same id produced different rows")
	}
	if d := tensor.MaxAbsDiff(y.Row(1), emb.Weight.Value.Row(9)); d > 1 {
		t.Fatalf("dequantized row too far from float row: %g", d)
	}
	if keys := nn.StateKeys(qe); !slices.Equal(keys, []string{"scale", "weight", "zero_point"}) {
		t.Fatalf("state keys = %v", keys)
	}
}
