// Package recipe loads YAML training recipes: which toy model to train, the
// quantizers and sparse layers to apply, and the optimiser settings.
//
//	name: 8da4w
//	model: m
//	quantizers:
//	  - scheme: 8da4w
//	    group_size: 256
//	sparsity:
//	  sub.linear: weight
//	train:
//	  steps: 10
//	  lr: 0.01
package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qat/internal/logger"
	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/qat"
	"github.com/samcharles93/qat/pkg/sparsity"
)

// ErrInvalid reports a recipe that cannot be run.
var ErrInvalid = errors.New("recipe: invalid")

// Scheme names accepted in Quantizer.Scheme.
const (
	Scheme8da4w       = "8da4w"
	Scheme4w          = "4w"
	SchemeEmbedding4w = "embedding-4w"
)

type Recipe struct {
	Name       string            `yaml:"name"`
	Model      string            `yaml:"model"`
	Seed       int64             `yaml:"seed"`
	Quantizers []Quantizer       `yaml:"quantizers"`
	Sparsity   map[string]string `yaml:"sparsity"`
	Train      Train             `yaml:"train"`
}

// Quantizer configures one two-step quantizer. Zero fields take the scheme
// defaults.
type Quantizer struct {
	Scheme          string `yaml:"scheme"`
	GroupSize       int    `yaml:"group_size"`
	InnerKTiles     int    `yaml:"inner_k_tiles"`
	Precision       string `yaml:"precision"`
	ScalesPrecision string `yaml:"scales_precision"`
}

type Train struct {
	Steps       int     `yaml:"steps"`
	Batch       int     `yaml:"batch"`
	LR          float32 `yaml:"lr"`
	Momentum    float32 `yaml:"momentum"`
	WeightDecay float32 `yaml:"weight_decay"`
	// FakeQuantAfter delays fake quantization until this many steps have
	// run; earlier steps train in float.
	FakeQuantAfter int `yaml:"fake_quant_after"`
}

// Default is the recipe used when none is given.
func Default() Recipe {
	r := Recipe{
		Name:       "8da4w",
		Model:      "m",
		Quantizers: []Quantizer{{Scheme: Scheme8da4w}},
	}
	r.setDefaults()
	return r
}

// Load reads and validates the recipe at path.
func Load(path string) (Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Recipe{}, err
	}
	r, err := Parse(data)
	if err != nil {
		return Recipe{}, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes and validates a recipe. Unknown fields are rejected.
func Parse(data []byte) (Recipe, error) {
	var r Recipe
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return Recipe{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	r.setDefaults()
	if err := r.Validate(); err != nil {
		return Recipe{}, err
	}
	return r, nil
}

func (r *Recipe) setDefaults() {
	if r.Model == "" {
		r.Model = "m"
	}
	if r.Name == "" {
		r.Name = r.Model
	}
	if r.Train.Steps == 0 {
		r.Train.Steps = 10
	}
	if r.Train.Batch == 0 {
		r.Train.Batch = 1
	}
	if r.Train.LR == 0 {
		r.Train.LR = 0.01
	}
}

// Validate checks every field that can be checked without building a model.
func (r Recipe) Validate() error {
	if r.Train.Steps < 0 || r.Train.Batch < 0 || r.Train.FakeQuantAfter < 0 {
		return fmt.Errorf("%w: steps, batch and fake_quant_after must not be negative", ErrInvalid)
	}
	if r.Train.LR < 0 || r.Train.Momentum < 0 || r.Train.WeightDecay < 0 {
		return fmt.Errorf("%w: lr, momentum and weight_decay must not be negative", ErrInvalid)
	}
	if _, err := r.TwoStepQuantizer(nil); err != nil {
		return err
	}
	if _, err := r.SparsityConfig(); err != nil {
		return err
	}
	return nil
}

// TwoStepQuantizer builds the quantizers of the recipe, composed in list
// order. A recipe without quantizers yields an empty composition.
func (r Recipe) TwoStepQuantizer(log logger.Logger) (*qat.ComposableQATQuantizer, error) {
	qs := make([]qat.TwoStepQuantizer, 0, len(r.Quantizers))
	for i, q := range r.Quantizers {
		tq, err := q.build(log)
		if err != nil {
			return nil, fmt.Errorf("%w: quantizers[%d]: %v", ErrInvalid, i, err)
		}
		qs = append(qs, tq)
	}
	return qat.NewComposableQATQuantizer(qs...), nil
}

func (q Quantizer) build(log logger.Logger) (qat.TwoStepQuantizer, error) {
	if q.GroupSize < 0 || q.InnerKTiles < 0 {
		return nil, errors.New("group_size and inner_k_tiles must not be negative")
	}
	switch strings.ToLower(q.Scheme) {
	case Scheme8da4w:
		out := qat.NewInt8DynActInt4WeightQATQuantizer(q.GroupSize)
		if err := parsePrecisions(q, &out.Precision, &out.ScalesPrecision); err != nil {
			return nil, err
		}
		out.Logger = log
		return out, nil
	case Scheme4w:
		out := qat.NewInt4WeightOnlyQATQuantizer(q.GroupSize, q.InnerKTiles)
		if err := parsePrecisions(q, &out.Precision, &out.ScalesPrecision); err != nil {
			return nil, err
		}
		out.Logger = log
		return out, nil
	case SchemeEmbedding4w:
		if q.Precision != "" {
			return nil, errors.New("embedding-4w has no activation precision")
		}
		out := qat.NewInt4WeightOnlyEmbeddingQATQuantizer(q.GroupSize)
		if q.ScalesPrecision != "" {
			p, err := tensor.ParseDType(q.ScalesPrecision)
			if err != nil {
				return nil, err
			}
			out.ScalePrecision = p
		}
		out.Logger = log
		return out, nil
	default:
		return nil, fmt.Errorf("unknown scheme %q", q.Scheme)
	}
}

func parsePrecisions(q Quantizer, precision, scales *tensor.DType) error {
	for _, f := range []struct {
		s   string
		dst *tensor.DType
	}{{q.Precision, precision}, {q.ScalesPrecision, scales}} {
		if f.s == "" {
			continue
		}
		d, err := tensor.ParseDType(f.s)
		if err != nil {
			return err
		}
		if !d.IsFloat() {
			return fmt.Errorf("precision %s is not a float type", d)
		}
		*f.dst = d
	}
	return nil
}

// SparsityConfig maps each configured layer path to its sparse factory.
func (r Recipe) SparsityConfig() (map[string]sparsity.Factory, error) {
	out := make(map[string]sparsity.Factory, len(r.Sparsity))
	for path, kind := range r.Sparsity {
		f, err := sparsity.ParseFactory(kind)
		if err != nil {
			return nil, fmt.Errorf("%w: sparsity.%s: %v", ErrInvalid, path, err)
		}
		out[path] = f
	}
	return out, nil
}
