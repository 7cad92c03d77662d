package nn

import (
	"fmt"
	"sort"

	"github.com/samcharles93/qat/internal/tensor"
)

// StateDict collects every state tensor below root keyed by dotted path,
// e.g. "sub.linear.weight". Values are shared, not copied.
func StateDict(root Module) map[string]*tensor.Mat {
	sd := make(map[string]*tensor.Mat)
	_ = Walk(root, func(path string, m Module) error {
		if s, ok := m.(Stateful); ok {
			for _, n := range s.State() {
				sd[join(path, n.Name)] = n.Param.Value
			}
		}
		return nil
	})
	return sd
}

// StateKeys returns the sorted keys of StateDict(root).
func StateKeys(root Module) []string {
	sd := StateDict(root)
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadStateDict copies values from sd into the tensors of root. Every key of
// the model must be present with a matching shape and no extra keys are
// allowed. Placeholder tensors are materialised by the copy.
func LoadStateDict(root Module, sd map[string]*tensor.Mat) error {
	used := make(map[string]bool, len(sd))
	err := Walk(root, func(path string, m Module) error {
		s, ok := m.(Stateful)
		if !ok {
			return nil
		}
		for _, n := range s.State() {
			key := join(path, n.Name)
			src, ok := sd[key]
			if !ok {
				return fmt.Errorf("nn: state dict is missing %q", key)
			}
			dst := n.Param.Value
			if src.R*src.C != dst.R*dst.C {
				return fmt.Errorf("%w: %q has shape [%d,%d], model expects [%d,%d]", ErrShape, key, src.R, src.C, dst.R, dst.C)
			}
			v := src.Cast(dst.DType)
			v.R, v.C = dst.R, dst.C
			n.Param.Value = v
			used[key] = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	for k := range sd {
		if !used[k] {
			return fmt.Errorf("nn: unexpected key %q in state dict", k)
		}
	}
	return nil
}

// Parameters returns the distinct trainable parameters below root in walk
// order. Parameters shared between modules appear once.
func Parameters(root Module) []*Parameter {
	var out []*Parameter
	seen := make(map[*Parameter]bool)
	_ = Walk(root, func(_ string, m Module) error {
		if s, ok := m.(Stateful); ok {
			for _, n := range s.State() {
				if n.Param.Buffer || seen[n.Param] {
					continue
				}
				seen[n.Param] = true
				out = append(out, n.Param)
			}
		}
		return nil
	})
	return out
}

// ZeroGrad clears the gradients of every parameter below root.
func ZeroGrad(root Module) {
	for _, p := range Parameters(root) {
		p.ZeroGrad()
	}
}

// HasPlaceholders reports whether any state tensor below root lacks storage.
func HasPlaceholders(root Module) bool {
	for _, v := range StateDict(root) {
		if v.IsPlaceholder() {
			return true
		}
	}
	return false
}

// Backward runs m.Backward when supported.
func Backward(m Module, grad *tensor.Mat) (*tensor.Mat, error) {
	b, ok := m.(Backwarder)
	if !ok {
		return nil, fmt.Errorf("%s: %w", TypeName(m), ErrNoBackward)
	}
	return b.Backward(grad)
}
