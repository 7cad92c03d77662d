package qat

import (
	"errors"
	"math/rand"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/ptq"
	"github.com/samcharles93/qat/pkg/quant"
)

func normal(r, c int, seed int64) *tensor.Mat {
	m := tensor.NewMat(r, c)
	tensor.FillNormal(m, rand.New(rand.NewSource(seed)))
	return m
}

// newModel builds linear1 -> sub.linear -> linear2 with deterministic
// weights, so two calls with the same seed give identical models.
func newModel(seed int64) *nn.Sequential {
	rng := rand.New(rand.NewSource(seed))
	return nn.NewSequential(
		nn.Child{Name: "linear1", Module: nn.NewLinear(256, 128, false, rng)},
		nn.Child{Name: "sub", Module: nn.NewSequential(
			nn.Child{Name: "linear", Module: nn.NewLinear(128, 128, true, rng)},
		)},
		nn.Child{Name: "linear2", Module: nn.NewLinear(128, 256, false, rng)},
	)
}

func newPlaceholderModel() *nn.Sequential {
	return nn.NewSequential(
		nn.Child{Name: "linear1", Module: nn.NewPlaceholderLinear(256, 128, false)},
		nn.Child{Name: "sub", Module: nn.NewSequential(
			nn.Child{Name: "linear", Module: nn.NewPlaceholderLinear(128, 128, true)},
		)},
		nn.Child{Name: "linear2", Module: nn.NewPlaceholderLinear(128, 256, false)},
	)
}

var modelLinears = []string{"linear1", "sub.linear", "linear2"}

func forward(t *testing.T, m nn.Module, x *tensor.Mat) *tensor.Mat {
	t.Helper()
	y, err := m.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	return y
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts []ConfigOption
		want error
		msg  string
	}{
		{"nothing set", nil, ErrInvalidConfig, "group_size or granularity must be set"},
		{"per group without size", []ConfigOption{WithGranularity(PerGroup)}, ErrInvalidConfig, "no group_size was set"},
		{"size with per token", []ConfigOption{WithGroupSize(32), WithGranularity(PerToken)}, ErrInvalidConfig, "group_size was set"},
		{"bad name", []ConfigOption{WithGranularityName("per_tensor")}, ErrInvalidConfig, "per_tensor"},
		{"bad group size", []ConfigOption{WithGroupSize(0)}, ErrInvalidConfig, "group_size must be positive"},
		{"range learning", []ConfigOption{WithGroupSize(32), WithRangeLearning(true)}, ErrNotSupported, "range learning"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFakeQuantizeConfig(4, tc.opts...)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("err = %q, want it to mention %q", err, tc.msg)
			}
		})
	}

	if _, err := NewFakeQuantizeConfig(0, WithGroupSize(32)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero bit width: err = %v", err)
	}
}

func TestConfigDefaultsAndGroupSizeImpliesPerGroup(t *testing.T) {
	t.Parallel()
	c, err := NewFakeQuantizeConfig(4, WithGroupSize(32))
	if err != nil {
		t.Fatalf("NewFakeQuantizeConfig: %v", err)
	}
	if c.Granularity() != PerGroup {
		t.Fatalf("granularity = %v", c.Granularity())
	}
	if !c.Symmetric() || !c.Dynamic() || c.ZeroPointDomain() != quant.ZeroPointInt {
		t.Fatalf("unexpected defaults: %v", c)
	}
	if c.ScalePrecision() != tensor.F32 || c.ZeroPointPrecision() != tensor.I32 {
		t.Fatalf("precisions = %v/%v", c.ScalePrecision(), c.ZeroPointPrecision())
	}
	if gs, ok := c.GroupSize(); !ok || gs != 32 {
		t.Fatalf("group size = %d, %v", gs, ok)
	}
	if got := c.String(); got != "int4 per_group(32) sym" {
		t.Fatalf("String() = %q", got)
	}
}

func TestConfigGranularityGroupSizeCoupling(t *testing.T) {
	t.Parallel()
	c := MustFakeQuantizeConfig(4, WithGroupSize(32))

	if err := c.SetGranularity(PerChannel); err != nil {
		t.Fatalf("SetGranularity(PerChannel): %v", err)
	}
	if _, ok := c.GroupSize(); ok || c.Granularity() != PerChannel {
		t.Fatalf("after per_channel: %v", c)
	}

	if err := c.SetGranularity(PerGroup); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("SetGranularity(PerGroup) without size: err = %v", err)
	}
	if c.Granularity() != PerChannel {
		t.Fatalf("failed mutation changed config: %v", c)
	}

	if err := c.SetGroupSize(64); err != nil {
		t.Fatalf("SetGroupSize: %v", err)
	}
	if gs, _ := c.GroupSize(); c.Granularity() != PerGroup || gs != 64 {
		t.Fatalf("after SetGroupSize: %v", c)
	}

	if err := c.SetGranularityName("per_token"); err != nil {
		t.Fatalf("SetGranularityName: %v", err)
	}
	if _, ok := c.GroupSize(); ok || c.Granularity() != PerToken {
		t.Fatalf("after per_token: %v", c)
	}
	if err := c.SetGranularityName("bogus"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bogus granularity: err = %v", err)
	}
}

func TestFakeQuantizerErrors(t *testing.T) {
	t.Parallel()
	x := normal(2, 64, 1)

	sym := MustFakeQuantizeConfig(8, WithGranularity(PerToken))
	f, err := NewFakeQuantizer(sym)
	if err != nil {
		t.Fatalf("NewFakeQuantizer: %v", err)
	}
	if _, err := f.Forward(x); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("symmetric per token: err = %v", err)
	}

	bad := MustFakeQuantizeConfig(8, WithGranularity(PerChannel))
	bad.granularity = 42
	f, err = NewFakeQuantizer(bad)
	if err != nil {
		t.Fatalf("NewFakeQuantizer: %v", err)
	}
	if _, err := f.Forward(x); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown granularity: err = %v", err)
	}

	if _, err := NewFakeQuantizer(FakeQuantizeConfig{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero config: err = %v", err)
	}

	f, _ = NewFakeQuantizer(MustFakeQuantizeConfig(4, WithGroupSize(32)))
	if _, err := f.Backward(x); !errors.Is(err, nn.ErrNoForward) {
		t.Fatalf("backward before forward: err = %v", err)
	}
}

func TestFakeQuantizerDisabledIsIdentity(t *testing.T) {
	t.Parallel()
	f, err := NewFakeQuantizer(MustFakeQuantizeConfig(4, WithGroupSize(32)))
	if err != nil {
		t.Fatalf("NewFakeQuantizer: %v", err)
	}
	f.Disable()
	f.Disable()
	x := normal(3, 64, 2)
	y, err := f.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if y != x {
		t.Fatal("disabled quantizer copied its input")
	}
	g := normal(3, 64, 3)
	gb, err := f.Backward(g)
	if err != nil {
		t.Fatalf("Backward: %v", err)
	}
	if !tensor.Equal(gb, g) {
		t.Fatal("disabled backward changed the gradient")
	}
	if f.Scale() != nil {
		t.Fatal("disabled quantizer computed a scale")
	}
}

func TestFakeQuantizerStaticCachesParams(t *testing.T) {
	t.Parallel()
	cfg := MustFakeQuantizeConfig(8, WithGranularity(PerChannel), WithDynamic(false))
	f, err := NewFakeQuantizer(cfg)
	if err != nil {
		t.Fatalf("NewFakeQuantizer: %v", err)
	}
	x := normal(4, 32, 4)
	if _, err := f.Forward(x); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	scale := f.Scale()
	if scale == nil || scale.R != 4 || scale.C != 1 {
		t.Fatalf("scale = %+v", scale)
	}
	big := x.Clone()
	tensor.Scale(big.Data, 10)
	if _, err := f.Forward(big); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if f.Scale() != scale {
		t.Fatal("static quantizer recomputed its scale")
	}
	f.Reset()
	if _, err := f.Forward(big); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if f.Scale() == scale {
		t.Fatal("Reset did not drop the cached scale")
	}

	dyn, _ := NewFakeQuantizer(MustFakeQuantizeConfig(8, WithGranularity(PerChannel)))
	if _, err := dyn.Forward(x); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	first := dyn.Scale()
	if _, err := dyn.Forward(big); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if dyn.Scale() == first {
		t.Fatal("dynamic quantizer reused its scale")
	}
}

func TestInt8DynActInt4WeightQATLinearMatchesManual(t *testing.T) {
	t.Parallel()
	const gs = 32
	lin := nn.NewLinear(256, 64, false, rand.New(rand.NewSource(5)))
	l, err := NewInt8DynActInt4WeightQATLinear(lin, gs, tensor.F32, tensor.F32)
	if err != nil {
		t.Fatalf("NewInt8DynActInt4WeightQATLinear: %v", err)
	}
	x := normal(3, 256, 6)
	got := forward(t, l, x)

	s, zp, err := quant.ChooseQParamsPerTokenAsymmetric(x, ptq.Int8QMin, ptq.Int8QMax, tensor.F32, tensor.I32)
	if err != nil {
		t.Fatalf("per token qparams: %v", err)
	}
	xq, _, err := quant.FakeQuantizePerToken(x, s, zp, ptq.Int8QMin, ptq.Int8QMax)
	if err != nil {
		t.Fatalf("FakeQuantizePerToken: %v", err)
	}
	w := lin.Weight.Value
	ws, wzp, err := quant.GroupQParamsSymmetric(w, 4, gs, tensor.F32)
	if err != nil {
		t.Fatalf("group qparams: %v", err)
	}
	wq, _, err := quant.FakeQuantizePerChannelGroup(w, ws, wzp, ptq.Int4QMin, ptq.Int4QMax, gs, quant.ZeroPointInt)
	if err != nil {
		t.Fatalf("FakeQuantizePerChannelGroup: %v", err)
	}
	want, err := nn.LinearForward(xq, wq, nil)
	if err != nil {
		t.Fatalf("LinearForward: %v", err)
	}
	if !tensor.Equal(got, want) {
		t.Fatalf("fake quantized linear differs from manual by %g", tensor.MaxAbsDiff(got.Data, want.Data))
	}
	if l.Weight != lin.Weight {
		t.Fatal("weight parameter not shared")
	}
}

func TestInt8DynActInt4WeightQATQuantizerMatchesPTQ(t *testing.T) {
	t.Parallel()
	const gs = 32
	x := normal(2, 256, 7)

	qatQ := NewInt8DynActInt4WeightQATQuantizer(gs)
	prepared, err := qatQ.Prepare(newModel(1))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	for _, p := range modelLinears {
		m, err := nn.Get(prepared, p)
		if err != nil {
			t.Fatalf("Get(%s): %v", p, err)
		}
		if _, ok := m.(*Int8DynActInt4WeightQATLinear); !ok {
			t.Fatalf("%s not prepared: %T", p, m)
		}
	}
	qatOut := forward(t, prepared, x)

	ptqModel, err := (&ptq.Int8DynActInt4WeightQuantizer{GroupSize: gs, Precision: tensor.F32, ScalesPrecision: tensor.F32}).Quantize(newModel(1))
	if err != nil {
		t.Fatalf("PTQ Quantize: %v", err)
	}
	ptqOut := forward(t, ptqModel, x)
	if !tensor.Equal(qatOut, ptqOut) {
		t.Fatalf("QAT and PTQ differ by %g", tensor.MaxAbsDiff(qatOut.Data, ptqOut.Data))
	}

	converted, err := qatQ.Convert(prepared)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	convOut := forward(t, converted, x)
	if !tensor.Equal(convOut, ptqOut) {
		t.Fatalf("converted and PTQ differ by %g", tensor.MaxAbsDiff(convOut.Data, ptqOut.Data))
	}

	want, got := nn.StateDict(ptqModel), nn.StateDict(converted)
	if !slices.Equal(nn.StateKeys(ptqModel), nn.StateKeys(converted)) {
		t.Fatalf("state keys %v, want %v", nn.StateKeys(converted), nn.StateKeys(ptqModel))
	}
	for k, v := range want {
		if !tensor.Equal(got[k], v) {
			t.Fatalf("state %s differs", k)
		}
	}
}

func TestPreparePreservesPlaceholders(t *testing.T) {
	t.Parallel()
	float := newPlaceholderModel()
	before := nn.Parameters(float)

	prepared, err := NewInt8DynActInt4WeightQATQuantizer(32).Prepare(float)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !nn.HasPlaceholders(prepared) {
		t.Fatal("prepare materialised placeholder weights")
	}
	after := nn.Parameters(prepared)
	if len(after) != len(before) {
		t.Fatalf("parameter count %d, want %d", len(after), len(before))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("parameter %d not shared", i)
		}
	}
	if _, err := prepared.Forward(normal(1, 256, 1)); !errors.Is(err, tensor.ErrPlaceholder) {
		t.Fatalf("forward on placeholders: err = %v", err)
	}
	if _, err := NewInt8DynActInt4WeightQATQuantizer(32).Convert(prepared); !errors.Is(err, tensor.ErrPlaceholder) {
		t.Fatalf("convert on placeholders: err = %v", err)
	}

	if err := nn.LoadStateDict(prepared, nn.StateDict(newModel(2))); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	if nn.HasPlaceholders(prepared) {
		t.Fatal("load left placeholders behind")
	}
	forward(t, prepared, normal(1, 256, 1))
}

func TestDisabledFakeQuantMatchesFloat(t *testing.T) {
	t.Parallel()
	x := normal(2, 256, 8)
	target := normal(2, 256, 9)

	float := newModel(3)
	prepared, err := NewInt8DynActInt4WeightQATQuantizer(32).Prepare(newModel(3))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	nn.Apply(prepared, Disable8da4wFakeQuant)

	yf := forward(t, float, x)
	yq := forward(t, prepared, x)
	if !tensor.Equal(yf, yq) {
		t.Fatalf("disabled forward differs by %g", tensor.MaxAbsDiff(yf.Data, yq.Data))
	}

	for _, run := range []struct {
		m nn.Module
		y *tensor.Mat
	}{{float, yf}, {prepared, yq}} {
		_, g, err := nn.MSE(run.y, target)
		if err != nil {
			t.Fatalf("MSE: %v", err)
		}
		if _, err := nn.Backward(run.m, g); err != nil {
			t.Fatalf("Backward: %v", err)
		}
	}
	pf, pq := nn.Parameters(float), nn.Parameters(prepared)
	for i := range pf {
		if !tensor.Equal(pf[i].Grad, pq[i].Grad) {
			t.Fatalf("gradient %d differs", i)
		}
	}

	nn.Apply(prepared, Enable8da4wFakeQuant)
	if tensor.Equal(forward(t, prepared, x), yf) {
		t.Fatal("re-enabled forward still matches float")
	}
}

func TestFakeQuantTrainingUpdatesWeights(t *testing.T) {
	t.Parallel()
	quantizers := map[string]TwoStepQuantizer{
		"8da4w": NewInt8DynActInt4WeightQATQuantizer(32),
		"4w":    &Int4WeightOnlyQATQuantizer{GroupSize: 32, InnerKTiles: 8, Precision: tensor.F32, ScalesPrecision: tensor.F32},
	}
	for name, q := range quantizers {
		t.Run(name, func(t *testing.T) {
			m, err := q.Prepare(newModel(4))
			if err != nil {
				t.Fatalf("Prepare: %v", err)
			}
			params := nn.Parameters(m)
			initial := make([]*tensor.Mat, len(params))
			for i, p := range params {
				initial[i] = p.Value.Clone()
			}
			opt := nn.NewSGD(params, 0.01, 0.9, 0)
			x, target := normal(4, 256, 10), normal(4, 256, 11)
			prev := make([]*tensor.Mat, len(params))
			for step := 0; step < 10; step++ {
				opt.ZeroGrad()
				_, g, err := nn.MSE(forward(t, m, x), target)
				if err != nil {
					t.Fatalf("MSE: %v", err)
				}
				if _, err := nn.Backward(m, g); err != nil {
					t.Fatalf("Backward: %v", err)
				}
				for i, p := range params {
					if p.Grad == nil {
						t.Fatalf("step %d: parameter %d has no gradient", step, i)
					}
					// The quantized weights move with every update, so a
					// repeated gradient means the step was not seen.
					if prev[i] != nil && tensor.Equal(prev[i], p.Grad) {
						t.Fatalf("step %d: parameter %d gradient repeats the previous step", step, i)
					}
					prev[i] = p.Grad.Clone()
				}
				opt.Step()
			}
			for i, p := range params {
				if tensor.Equal(p.Value, initial[i]) {
					t.Fatalf("parameter %d did not change", i)
				}
			}
		})
	}
}

func TestInt4WeightOnlyQATMatchesConverted(t *testing.T) {
	t.Parallel()
	const gs, tiles = 32, 8
	x := normal(3, 256, 12)

	q := NewInt4WeightOnlyQATQuantizer(gs, tiles)
	prepared, err := q.Prepare(newModel(5))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	l, err := nn.Get(prepared, "sub.linear")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	ql, ok := l.(*Int4WeightOnlyQATLinear)
	if !ok {
		t.Fatalf("sub.linear not prepared: %T", l)
	}
	if ql.Precision != tensor.BF16 || ql.FakeQuantizedLinear.Precision != tensor.F32 {
		t.Fatalf("precisions = %v/%v", ql.Precision, ql.FakeQuantizedLinear.Precision)
	}
	if ql.ActivationFakeQuantizer != nil {
		t.Fatal("weight-only layer has an activation quantizer")
	}

	qatOut := forward(t, prepared, x)
	floatOut := forward(t, newModel(5), x)
	if d := tensor.MaxAbsDiff(qatOut.Data, floatOut.Data); d > 1 {
		t.Fatalf("fake quantized output too far from float: %g", d)
	}

	ptqModel, err := ptq.NewInt4WeightOnlyQuantizer(gs, tiles).Quantize(newModel(5))
	if err != nil {
		t.Fatalf("PTQ Quantize: %v", err)
	}
	ptqOut := forward(t, ptqModel, x)
	converted, err := q.Convert(prepared)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	convOut := forward(t, converted, x)

	if !tensor.Equal(convOut, ptqOut) {
		t.Fatalf("converted and PTQ differ by %g", tensor.MaxAbsDiff(convOut.Data, ptqOut.Data))
	}
	if d := tensor.MaxAbsDiff(qatOut.Data, convOut.Data); d > 0.05 {
		t.Fatalf("QAT and converted differ by %g", d)
	}
	if !slices.Equal(nn.StateKeys(converted), nn.StateKeys(ptqModel)) {
		t.Fatalf("state keys %v, want %v", nn.StateKeys(converted), nn.StateKeys(ptqModel))
	}
}

func TestInt4WeightOnlyQATSkipsIncompatibleLayers(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(6))
	model := nn.NewSequential(
		nn.Child{Name: "ok", Module: nn.NewLinear(256, 96, false, rng)},
		nn.Child{Name: "odd", Module: nn.NewLinear(96, 32, false, rng)},
	)
	prepared, err := NewInt4WeightOnlyQATQuantizer(32, 8).Prepare(model)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ok, _ := nn.Get(prepared, "ok")
	odd, _ := nn.Get(prepared, "odd")
	if nn.TypeName(ok) != "Int4WeightOnlyQATLinear" || nn.TypeName(odd) != "Linear" {
		t.Fatalf("types = %s, %s", nn.TypeName(ok), nn.TypeName(odd))
	}
	nn.Apply(prepared, Disable4wFakeQuant)
	if ok.(*Int4WeightOnlyQATLinear).WeightFakeQuantizer.Enabled() {
		t.Fatal("Disable4wFakeQuant left the quantizer on")
	}
	nn.Apply(prepared, Enable4wFakeQuant)
	if !ok.(*Int4WeightOnlyQATLinear).WeightFakeQuantizer.Enabled() {
		t.Fatal("Enable4wFakeQuant left the quantizer off")
	}
	SetFakeQuantEnabled(prepared, false)
	if ok.(*Int4WeightOnlyQATLinear).WeightFakeQuantizer.Enabled() {
		t.Fatal("SetFakeQuantEnabled left the quantizer on")
	}
}

func TestInt4WeightOnlyQATEmbedding(t *testing.T) {
	t.Parallel()
	emb := nn.NewEmbedding(10, 64, rand.New(rand.NewSource(7)))
	q := NewInt4WeightOnlyEmbeddingQATQuantizer(0)
	prepared, err := q.Prepare(emb)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	qe, ok := prepared.(*Int4WeightOnlyQATEmbedding)
	if !ok {
		t.Fatalf("root not prepared: %T", prepared)
	}
	if qe.Weight != emb.Weight {
		t.Fatal("table not shared")
	}
	ids := tensor.NewMatFromData(1, 4, []float32{1, 3, 9, 3})
	qatOut := forward(t, qe, ids)

	g := normal(4, 64, 8)
	if gx, err := qe.Backward(g); err != nil || gx != nil {
		t.Fatalf("Backward = %v, %v", gx, err)
	}
	if qe.Weight.Grad == nil {
		t.Fatal("no table gradient")
	}
	if row := qe.Weight.Grad.Row(0); slices.ContainsFunc(row, func(v float32) bool { return v != 0 }) {
		t.Fatal("unused id received gradient")
	}

	converted, err := q.Convert(prepared)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !tensor.Equal(forward(t, converted, ids), qatOut) {
		t.Fatal("converted embedding differs from fake quantized lookup")
	}
	if !slices.Equal(nn.StateKeys(converted), []string{"scale", "weight", "zero_point"}) {
		t.Fatalf("state keys = %v", nn.StateKeys(converted))
	}
}

type recordingQuantizer struct {
	name string
	log  *[]string
}

func (r recordingQuantizer) Prepare(m nn.Module) (nn.Module, error) {
	*r.log = append(*r.log, r.name)
	return m, nil
}

func (r recordingQuantizer) Convert(m nn.Module) (nn.Module, error) {
	*r.log = append(*r.log, r.name)
	return m, nil
}

func TestComposableQuantizerOrder(t *testing.T) {
	t.Parallel()
	var log []string
	c := NewComposableQATQuantizer(
		recordingQuantizer{name: "q1", log: &log},
		recordingQuantizer{name: "q2", log: &log},
	)
	m := newModel(9)
	if _, err := c.Prepare(m); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := c.Convert(m); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if want := []string{"q1", "q2", "q1", "q2"}; !slices.Equal(log, want) {
		t.Fatalf("order = %v, want %v", log, want)
	}
}

func TestComposableLinearAndEmbedding(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(10))
	model := nn.NewSequential(
		nn.Child{Name: "embedding", Module: nn.NewEmbedding(10, 256, rng)},
		nn.Child{Name: "linear", Module: nn.NewLinear(256, 64, false, rng)},
	)
	c := NewComposableQATQuantizer(
		NewInt8DynActInt4WeightQATQuantizer(32),
		NewInt4WeightOnlyEmbeddingQATQuantizer(32),
	)
	prepared, err := c.Prepare(model)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	ids := tensor.NewMatFromData(1, 3, []float32{1, 2, 3})
	qatOut := forward(t, prepared, ids)
	converted, err := c.Convert(prepared)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	for path, want := range map[string]string{"embedding": "Int4WeightOnlyEmbedding", "linear": "Int8DynActInt4WeightLinear"} {
		m, _ := nn.Get(converted, path)
		if nn.TypeName(m) != want {
			t.Fatalf("%s is %s, want %s", path, nn.TypeName(m), want)
		}
	}
	if got := forward(t, converted, ids); !tensor.Equal(got, qatOut) {
		t.Fatalf("converted differs by %g", tensor.MaxAbsDiff(got.Data, qatOut.Data))
	}
}

func TestSetPTQWeight(t *testing.T) {
	t.Parallel()
	lin := nn.NewLinear(64, 16, false, rand.New(rand.NewSource(11)))
	qatLayer, err := NewInt8DynActInt4WeightQATLinear(lin, 32, tensor.F32, tensor.F32)
	if err != nil {
		t.Fatalf("NewInt8DynActInt4WeightQATLinear: %v", err)
	}
	ptqLayer, err := ptq.NewInt8DynActInt4WeightLinear(64, 16, 32, false, tensor.F32, tensor.F32)
	if err != nil {
		t.Fatalf("NewInt8DynActInt4WeightLinear: %v", err)
	}
	if err := SetPTQWeight(ptqLayer, qatLayer); err != nil {
		t.Fatalf("SetPTQWeight: %v", err)
	}
	x := normal(2, 64, 12)
	if !tensor.Equal(forward(t, ptqLayer, x), forward(t, qatLayer, x)) {
		t.Fatal("transplanted weights give a different output")
	}

	err = SetPTQWeight(ptqLayer, lin)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("mismatched pair: err = %v", err)
	}
	for _, name := range []string{"Int8DynActInt4WeightLinear", "Linear"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error %q does not name %s", err, name)
		}
	}
}

func TestFakeQuantizedLinearToLinearSharesParams(t *testing.T) {
	t.Parallel()
	w := MustFakeQuantizeConfig(4, WithGroupSize(16))
	fq, err := NewFakeQuantizedLinear(32, 8, true, nil, &w, rand.New(rand.NewSource(13)))
	if err != nil {
		t.Fatalf("NewFakeQuantizedLinear: %v", err)
	}
	l := fq.ToLinear()
	if l.Weight != fq.Weight || l.Bias != fq.Bias {
		t.Fatal("ToLinear copied parameters")
	}
	if got := len(fq.FakeQuantizers()); got != 1 {
		t.Fatalf("quantizers = %d", got)
	}
}
