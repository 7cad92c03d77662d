// Package sparsity provides runtime 2:4 semi-structured sparsity for training:
// a backend table of sparsify kernels and linear layers that prune their
// weight or their input activation on every forward pass.
package sparsity

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/qat/internal/tensor"
)

// ErrUnknownBackend is returned by Lookup for unregistered backends.
var ErrUnknownBackend = errors.New("sparsity: unknown backend")

// DefaultBackend is the backend used by layers that do not name one.
const DefaultBackend = "cpu"

// Sparsifier prunes a matrix to the 2:4 pattern along its rows: of every
// four consecutive values at most two are kept. The gradient of the
// operation is the identity, so layers pass gradients straight through it.
type Sparsifier interface {
	Sparsify(x *tensor.Mat) (*tensor.Mat, error)
}

// SparsifierFunc adapts a function to Sparsifier.
type SparsifierFunc func(x *tensor.Mat) (*tensor.Mat, error)

func (f SparsifierFunc) Sparsify(x *tensor.Mat) (*tensor.Mat, error) { return f(x) }

var (
	mu       sync.RWMutex
	backends = map[string]Sparsifier{
		DefaultBackend: SparsifierFunc(MagnitudeSparsify),
	}
)

// Register adds a backend. It panics if the name is taken.
func Register(name string, s Sparsifier) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := backends[name]; ok {
		panic("sparsity: backend " + name + " already registered")
	}
	backends[name] = s
}

// Lookup returns the backend registered under name. An empty name selects
// DefaultBackend.
func Lookup(name string) (Sparsifier, error) {
	if name == "" {
		name = DefaultBackend
	}
	mu.RLock()
	defer mu.RUnlock()
	s, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return s, nil
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MagnitudeSparsify keeps the two largest-magnitude values of every block of
// four columns and zeroes the rest. Ties keep the earlier column. The column
// count must be a multiple of four.
func MagnitudeSparsify(x *tensor.Mat) (*tensor.Mat, error) {
	if x.IsPlaceholder() {
		return nil, tensor.ErrPlaceholder
	}
	if x.C%4 != 0 {
		return nil, fmt.Errorf("sparsity: %d columns is not a multiple of 4", x.C)
	}
	out := tensor.NewMat(x.R, x.C)
	out.DType = x.DType
	tensor.ParallelRows(x.R, x.C, func(rs, re int) {
		for r := rs; r < re; r++ {
			src, dst := x.Row(r), out.Row(r)
			for b := 0; b < len(src); b += 4 {
				i, j := topTwo(src[b : b+4])
				dst[b+i] = src[b+i]
				dst[b+j] = src[b+j]
			}
		}
	})
	return out, nil
}

// topTwo returns the indices of the two largest magnitudes in block.
func topTwo(block []float32) (int, int) {
	first, second := -1, -1
	for i, v := range block {
		a := abs(v)
		switch {
		case first < 0 || a > abs(block[first]):
			first, second = i, first
		case second < 0 || a > abs(block[second]):
			second = i
		}
	}
	return first, second
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
