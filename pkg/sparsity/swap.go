package sparsity

import (
	"fmt"
	"strings"

	"github.com/samcharles93/qat/pkg/nn"
)

// Factory builds a sparse replacement for a dense linear layer.
type Factory func(l *nn.Linear) nn.Module

var (
	// WeightSparse builds a SemiSparseLinear.
	WeightSparse Factory = func(l *nn.Linear) nn.Module { return FromDense(l) }
	// ActivationSparse builds a SemiSparseActivationLinear.
	ActivationSparse Factory = func(l *nn.Linear) nn.Module { return ActivationFromDense(l) }
)

// ParseFactory maps "weight" and "activation" to their factories.
func ParseFactory(s string) (Factory, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "weight":
		return WeightSparse, nil
	case "activation":
		return ActivationSparse, nil
	default:
		return nil, fmt.Errorf("sparsity: unknown layer kind %q", s)
	}
}

type denseConverter interface {
	ToDense() *nn.Linear
}

// SwapLinearWithSemiSparseLinear replaces every nn.Linear below root whose
// dotted path is a key of config with the layer the factory builds. Other
// layers are left alone. The root itself is never replaced.
func SwapLinearWithSemiSparseLinear(root nn.Module, config map[string]Factory) error {
	return nn.Replace(root, func(path string, m nn.Module) (nn.Module, error) {
		l, ok := m.(*nn.Linear)
		if !ok {
			return nil, nil
		}
		f, ok := config[path]
		if !ok {
			return nil, nil
		}
		return f(l), nil
	})
}

// SwapSemiSparseLinearWithLinear restores plain nn.Linear layers in place of
// every sparse adapter below root.
func SwapSemiSparseLinearWithLinear(root nn.Module) error {
	return nn.Replace(root, func(path string, m nn.Module) (nn.Module, error) {
		switch m.(type) {
		case *SemiSparseLinear, *SemiSparseActivationLinear:
			return m.(denseConverter).ToDense(), nil
		}
		return nil, nil
	})
}
