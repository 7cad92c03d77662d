package nn

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
)

// Sequential runs its children in order, feeding each output to the next.
type Sequential struct {
	children []Child
}

// NewSequential builds a container from named children. Names must be unique.
func NewSequential(children ...Child) *Sequential {
	seen := make(map[string]bool, len(children))
	for _, c := range children {
		if seen[c.Name] {
			panic(fmt.Sprintf("nn: duplicate child name %q", c.Name))
		}
		seen[c.Name] = true
	}
	return &Sequential{children: children}
}

func (s *Sequential) Children() []Child {
	return append([]Child(nil), s.children...)
}

func (s *Sequential) SetChild(name string, m Module) error {
	for i := range s.children {
		if s.children[i].Name == name {
			s.children[i].Module = m
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNoChild, name)
}

func (s *Sequential) Forward(x *tensor.Mat) (*tensor.Mat, error) {
	var err error
	for _, c := range s.children {
		x, err = c.Module.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return x, nil
}

func (s *Sequential) Backward(grad *tensor.Mat) (*tensor.Mat, error) {
	for i := len(s.children) - 1; i >= 0; i-- {
		c := s.children[i]
		b, ok := c.Module.(Backwarder)
		if !ok {
			return nil, fmt.Errorf("%s (%s): %w", c.Name, TypeName(c.Module), ErrNoBackward)
		}
		var err error
		grad, err = b.Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return grad, nil
}
