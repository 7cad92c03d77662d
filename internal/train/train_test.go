package train

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/recipe"
	"github.com/samcharles93/qat/internal/safetensors"
	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/internal/toy"
)

func testContext() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func TestRunDefaultRecipe(t *testing.T) {
	t.Parallel()
	r := recipe.Default()
	r.Train.Steps = 3
	r.Train.FakeQuantAfter = 1
	dir := t.TempDir()

	model, rep, err := Run(testContext(), r, Options{OutDir: dir})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Steps) != 3 {
		t.Fatalf("steps = %d", len(rep.Steps))
	}
	if rep.Steps[0].FakeQuant || !rep.Steps[1].FakeQuant {
		t.Fatalf("fake quant schedule = %+v", rep.Steps)
	}
	if rep.Prepared["sub.linear"] != "Int8DynActInt4WeightQATLinear" {
		t.Fatalf("prepared = %v", rep.Prepared)
	}
	if rep.Converted["sub.linear"] != "Int8DynActInt4WeightLinear" {
		t.Fatalf("converted = %v", rep.Converted)
	}
	if rep.MaxAbsDiff != 0 {
		t.Fatalf("converted model differs from fake quantized model by %g", rep.MaxAbsDiff)
	}

	f, err := safetensors.Open(rep.Checkpoint)
	if err != nil {
		t.Fatalf("Open checkpoint: %v", err)
	}
	defer func() { _ = f.Close() }()
	if f.Metadata["run_id"] != rep.RunID || f.Metadata["recipe"] != r.Name {
		t.Fatalf("metadata = %v", f.Metadata)
	}

	data, err := os.ReadFile(filepath.Join(dir, ReportFile))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if decoded.RunID != rep.RunID || len(decoded.Steps) != 3 {
		t.Fatalf("report = %+v", decoded)
	}

	restored, err := Restore(r, rep.Checkpoint)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	x, _, _ := toy.Example(r.Model, 2, rand.New(rand.NewSource(4)))
	want, err := model.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	got, err := restored.Forward(x)
	if err != nil {
		t.Fatalf("Forward restored: %v", err)
	}
	if !tensor.Equal(got, want) {
		t.Fatalf("restored model differs by %g", tensor.MaxAbsDiff(got.Data, want.Data))
	}
}

func TestRunLanguageModelWithSparsity(t *testing.T) {
	t.Parallel()
	r, err := recipe.Parse([]byte(`
model: lm
quantizers:
  - scheme: embedding-4w
sparsity:
  head: weight
train:
  steps: 4
  batch: 4
  lr: 0.1
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, rep, err := Run(testContext(), r, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Prepared["head"] != "SemiSparseLinear" || rep.Prepared["embedding"] != "Int4WeightOnlyQATEmbedding" {
		t.Fatalf("prepared = %v", rep.Prepared)
	}
	if rep.Converted["head"] != "Linear" || rep.Converted["embedding"] != "Int4WeightOnlyEmbedding" {
		t.Fatalf("converted = %v", rep.Converted)
	}
	if rep.Checkpoint != "" {
		t.Fatalf("checkpoint written without an output dir: %s", rep.Checkpoint)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(testContext())
	cancel()
	if _, _, err := Run(ctx, recipe.Default(), Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
