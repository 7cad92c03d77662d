// Package nn provides the small module system that the training adapters
// operate on: parameters with gradients, a tree of named modules, and the
// dense layers, loss and optimiser needed to train them.
//
// Layers remember the input of their last Forward call so that Backward can
// compute gradients. A module therefore supports one forward/backward pair in
// flight at a time.
package nn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/qat/internal/tensor"
)

var (
	// ErrNoChild is returned when a dotted path does not name a module.
	ErrNoChild = errors.New("nn: no such child")
	// ErrNoBackward is returned when a module in a differentiated path
	// cannot compute gradients.
	ErrNoBackward = errors.New("nn: module does not support backward")
	// ErrNoForward is returned when Backward runs before Forward.
	ErrNoForward = errors.New("nn: backward called before forward")
	// ErrShape is returned when inputs, gradients or loaded tensors do not
	// fit the module.
	ErrShape = errors.New("nn: shape mismatch")
)

// Parameter is a tensor owned by a module. Buffers are parameters that the
// optimiser leaves alone but that still appear in the state dict.
type Parameter struct {
	Value  *tensor.Mat
	Grad   *tensor.Mat
	Buffer bool
}

// NewParameter wraps v as a trainable parameter.
func NewParameter(v *tensor.Mat) *Parameter {
	return &Parameter{Value: v}
}

// NewBuffer wraps v as a non-trainable state tensor.
func NewBuffer(v *tensor.Mat) *Parameter {
	return &Parameter{Value: v, Buffer: true}
}

// AccumulateGrad adds g into the parameter gradient.
func (p *Parameter) AccumulateGrad(g *tensor.Mat) {
	if p.Grad == nil {
		p.Grad = g.Clone()
		p.Grad.DType = tensor.F32
		return
	}
	tensor.Add(p.Grad.Data, g.Data)
}

// ZeroGrad drops the accumulated gradient.
func (p *Parameter) ZeroGrad() { p.Grad = nil }

// Module maps an input matrix to an output matrix.
type Module interface {
	Forward(x *tensor.Mat) (*tensor.Mat, error)
}

// Backwarder is implemented by modules that can propagate gradients. Backward
// takes the gradient of the loss with respect to the last output, accumulates
// parameter gradients and returns the gradient with respect to the input.
type Backwarder interface {
	Backward(gradOut *tensor.Mat) (*tensor.Mat, error)
}

// Child is a named direct submodule.
type Child struct {
	Name   string
	Module Module
}

// Parent is implemented by modules that contain submodules.
type Parent interface {
	Children() []Child
	SetChild(name string, m Module) error
}

// Named is a state tensor keyed by its local name.
type Named struct {
	Name  string
	Param *Parameter
}

// Stateful is implemented by modules that own tensors directly.
type Stateful interface {
	State() []Named
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Walk visits root and every descendant in pre-order. The root has path "".
func Walk(root Module, fn func(path string, m Module) error) error {
	return walk("", root, fn)
}

func walk(path string, m Module, fn func(string, Module) error) error {
	if err := fn(path, m); err != nil {
		return err
	}
	p, ok := m.(Parent)
	if !ok {
		return nil
	}
	for _, c := range p.Children() {
		if err := walk(join(path, c.Name), c.Module, fn); err != nil {
			return err
		}
	}
	return nil
}

// Apply calls fn on every descendant and then on root, children first.
func Apply(root Module, fn func(m Module)) {
	if p, ok := root.(Parent); ok {
		for _, c := range p.Children() {
			Apply(c.Module, fn)
		}
	}
	fn(root)
}

// Replace walks the children of root. For each child fn either returns a
// replacement, which is installed in place and not descended into, or nil, in
// which case Replace recurses into the child. The root itself is never
// replaced.
func Replace(root Module, fn func(path string, m Module) (Module, error)) error {
	return replace("", root, fn)
}

func replace(path string, m Module, fn func(string, Module) (Module, error)) error {
	p, ok := m.(Parent)
	if !ok {
		return nil
	}
	for _, c := range p.Children() {
		childPath := join(path, c.Name)
		repl, err := fn(childPath, c.Module)
		if err != nil {
			return err
		}
		if repl != nil {
			if err := p.SetChild(c.Name, repl); err != nil {
				return err
			}
			continue
		}
		if err := replace(childPath, c.Module, fn); err != nil {
			return err
		}
	}
	return nil
}

// Rewrite is Replace that may also replace root. fn sees root with path ""
// first; when it returns a replacement that is the result, otherwise the
// children of root are rewritten in place and root is returned.
func Rewrite(root Module, fn func(path string, m Module) (Module, error)) (Module, error) {
	repl, err := fn("", root)
	if err != nil {
		return nil, err
	}
	if repl != nil {
		return repl, nil
	}
	if err := replace("", root, fn); err != nil {
		return nil, err
	}
	return root, nil
}

// Get resolves a dotted path below root.
func Get(root Module, path string) (Module, error) {
	if path == "" {
		return root, nil
	}
	m := root
	for _, name := range strings.Split(path, ".") {
		p, ok := m.(Parent)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoChild, path)
		}
		var next Module
		for _, c := range p.Children() {
			if c.Name == name {
				next = c.Module
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %q", ErrNoChild, path)
		}
		m = next
	}
	return m, nil
}

// TypeName is the short Go type name of m, used in logs and listings.
func TypeName(m Module) string {
	s := fmt.Sprintf("%T", m)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimPrefix(s, "*")
}
