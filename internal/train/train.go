// Package train runs a recipe end to end: build the toy model, swap in sparse
// layers, prepare it for quantization-aware training, train it, convert it
// and write the checkpoint and a JSON report.
package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/recipe"
	"github.com/samcharles93/qat/internal/safetensors"
	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/internal/toy"
	"github.com/samcharles93/qat/pkg/nn"
	"github.com/samcharles93/qat/pkg/qat"
	"github.com/samcharles93/qat/pkg/sparsity"
)

const (
	CheckpointFile = "model.safetensors"
	ReportFile     = "report.json"
)

// Options controls where Run writes its outputs. An empty OutDir writes
// nothing.
type Options struct {
	OutDir string
}

type Step struct {
	Step      int     `json:"step"`
	Loss      float32 `json:"loss"`
	FakeQuant bool    `json:"fake_quant"`
}

// Report summarises one run.
type Report struct {
	RunID      string            `json:"run_id"`
	Recipe     string            `json:"recipe"`
	Model      string            `json:"model"`
	Started    time.Time         `json:"started"`
	Seconds    float64           `json:"seconds"`
	Steps      []Step            `json:"steps"`
	Prepared   map[string]string `json:"prepared"`
	Converted  map[string]string `json:"converted"`
	MaxAbsDiff float64           `json:"max_abs_diff"`
	Checkpoint string            `json:"checkpoint,omitempty"`
}

// Run trains r and returns the converted model with its report. The logger
// is taken from ctx.
func Run(ctx context.Context, r recipe.Recipe, opts Options) (nn.Module, *Report, error) {
	log := logger.FromContext(ctx)
	rep := &Report{
		RunID:   uuid.NewString(),
		Recipe:  r.Name,
		Model:   r.Model,
		Started: time.Now().UTC(),
	}
	log = log.With("run_id", rep.RunID, "recipe", r.Name)

	model, q, err := prepare(r, log)
	if err != nil {
		return nil, nil, err
	}
	rep.Prepared = layerTypes(model)
	log.Info("prepared model", "model", r.Model, "layers", len(rep.Prepared))

	if err := fit(ctx, r, model, log, rep); err != nil {
		return nil, nil, err
	}
	if err := sparsity.SwapSemiSparseLinearWithLinear(model); err != nil {
		return nil, nil, err
	}
	qat.SetFakeQuantEnabled(model, true)

	x, _, err := toy.Example(r.Model, r.Train.Batch, rand.New(rand.NewSource(r.Seed+2)))
	if err != nil {
		return nil, nil, err
	}
	qatOut, err := model.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate prepared model: %w", err)
	}
	converted, err := q.Convert(model)
	if err != nil {
		return nil, nil, fmt.Errorf("convert: %w", err)
	}
	convOut, err := converted.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate converted model: %w", err)
	}
	rep.Converted = layerTypes(converted)
	rep.MaxAbsDiff = tensor.MaxAbsDiff(qatOut.Data, convOut.Data)
	rep.Seconds = time.Since(rep.Started).Seconds()
	log.Info("converted model", "max_abs_diff", rep.MaxAbsDiff, "seconds", rep.Seconds)

	if opts.OutDir != "" {
		if err := write(opts.OutDir, r, converted, rep); err != nil {
			return nil, nil, err
		}
		log.Info("wrote checkpoint", "path", rep.Checkpoint)
	}
	return converted, rep, nil
}

// Restore rebuilds the converted model of r and loads the checkpoint at path
// into it.
func Restore(r recipe.Recipe, path string) (nn.Module, error) {
	model, q, err := prepare(r, logger.Discard())
	if err != nil {
		return nil, err
	}
	if err := sparsity.SwapSemiSparseLinearWithLinear(model); err != nil {
		return nil, err
	}
	converted, err := q.Convert(model)
	if err != nil {
		return nil, err
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	sd, err := f.ReadAll()
	if err != nil {
		return nil, err
	}
	if err := nn.LoadStateDict(converted, sd); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return converted, nil
}

func prepare(r recipe.Recipe, log logger.Logger) (nn.Module, qat.TwoStepQuantizer, error) {
	model, err := toy.Build(r.Model, r.Seed)
	if err != nil {
		return nil, nil, err
	}
	sp, err := r.SparsityConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := sparsity.SwapLinearWithSemiSparseLinear(model, sp); err != nil {
		return nil, nil, err
	}
	q, err := r.TwoStepQuantizer(log)
	if err != nil {
		return nil, nil, err
	}
	model, err = q.Prepare(model)
	if err != nil {
		return nil, nil, fmt.Errorf("prepare: %w", err)
	}
	return model, q, nil
}

type lossFunc func(y, target *tensor.Mat) (float32, *tensor.Mat, error)

func lossFor(model string) lossFunc {
	if model == "lm" {
		return nn.CrossEntropy
	}
	return nn.MSE
}

func fit(ctx context.Context, r recipe.Recipe, model nn.Module, log logger.Logger, rep *Report) error {
	t := r.Train
	opt := nn.NewSGD(nn.Parameters(model), t.LR, t.Momentum, t.WeightDecay)
	loss := lossFor(r.Model)
	rng := rand.New(rand.NewSource(r.Seed + 1))

	fakeQuant := t.FakeQuantAfter == 0
	qat.SetFakeQuantEnabled(model, fakeQuant)
	for step := 0; step < t.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fakeQuant && step >= t.FakeQuantAfter {
			fakeQuant = true
			qat.SetFakeQuantEnabled(model, true)
			log.Info("enabled fake quantization", "step", step)
		}
		x, target, err := toy.Example(r.Model, t.Batch, rng)
		if err != nil {
			return err
		}
		y, err := model.Forward(x)
		if err != nil {
			return fmt.Errorf("step %d: forward: %w", step, err)
		}
		l, g, err := loss(y, target)
		if err != nil {
			return fmt.Errorf("step %d: loss: %w", step, err)
		}
		if math.IsNaN(float64(l)) || math.IsInf(float64(l), 0) {
			return fmt.Errorf("step %d: loss diverged: %v", step, l)
		}
		opt.ZeroGrad()
		if _, err := nn.Backward(model, g); err != nil {
			return fmt.Errorf("step %d: backward: %w", step, err)
		}
		opt.Step()
		rep.Steps = append(rep.Steps, Step{Step: step, Loss: l, FakeQuant: fakeQuant})
		log.Debug("step", "step", step, "loss", l, "fake_quant", fakeQuant)
	}
	return nil
}

// layerTypes maps the path of every leaf module to its type name.
func layerTypes(root nn.Module) map[string]string {
	out := make(map[string]string)
	_ = nn.Walk(root, func(path string, m nn.Module) error {
		if _, ok := m.(nn.Parent); !ok {
			out[path] = nn.TypeName(m)
		}
		return nil
	})
	return out
}

func write(dir string, r recipe.Recipe, model nn.Module, rep *Report) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	rep.Checkpoint = filepath.Join(dir, CheckpointFile)
	meta := map[string]string{
		"format": "pt",
		"recipe": r.Name,
		"model":  r.Model,
		"run_id": rep.RunID,
	}
	if err := safetensors.Write(rep.Checkpoint, nn.StateDict(model), meta); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ReportFile), append(data, '\n'), 0o644)
}
