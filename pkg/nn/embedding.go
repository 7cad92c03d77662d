package nn

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/qat/internal/tensor"
)

// Embedding looks up rows of a [Num, Dim] table. Inputs carry integral token
// ids in any shape; the output has one row per id, in row-major id order.
type Embedding struct {
	Num, Dim int
	Weight   *Parameter

	ids []int
}

// NewEmbedding initialises the table from N(0, 1).
func NewEmbedding(num, dim int, rng *rand.Rand) *Embedding {
	w := tensor.NewMat(num, dim)
	tensor.FillNormal(w, rng)
	return &Embedding{Num: num, Dim: dim, Weight: NewParameter(w)}
}

// NewPlaceholderEmbedding builds a table with shape but no storage.
func NewPlaceholderEmbedding(num, dim int) *Embedding {
	return &Embedding{Num: num, Dim: dim, Weight: NewParameter(tensor.NewPlaceholder(num, dim, tensor.F32))}
}

func (e *Embedding) State() []Named {
	return []Named{{Name: "weight", Param: e.Weight}}
}

func (e *Embedding) Forward(ids *tensor.Mat) (*tensor.Mat, error) {
	idx, err := TokenIDs(ids, e.Num)
	if err != nil {
		return nil, err
	}
	y, err := EmbeddingForward(idx, e.Weight.Value)
	if err != nil {
		return nil, err
	}
	e.ids = idx
	return y, nil
}

// Backward scatters grad into the table gradient. Token ids have no
// gradient, so the returned input gradient is nil.
func (e *Embedding) Backward(grad *tensor.Mat) (*tensor.Mat, error) {
	if e.ids == nil {
		return nil, ErrNoForward
	}
	if grad.R != len(e.ids) || grad.C != e.Dim {
		return nil, fmt.Errorf("%w: embedding gradient [%d,%d], want [%d,%d]", ErrShape, grad.R, grad.C, len(e.ids), e.Dim)
	}
	gw := tensor.NewMat(e.Num, e.Dim)
	for i, id := range e.ids {
		tensor.Add(gw.Row(id), grad.Row(i))
	}
	e.Weight.AccumulateGrad(gw)
	return nil, nil
}

// TokenIDs converts an id matrix to integers, checking every id is integral
// and inside [0, num).
func TokenIDs(ids *tensor.Mat, num int) ([]int, error) {
	if ids.IsPlaceholder() {
		return nil, tensor.ErrPlaceholder
	}
	out := make([]int, len(ids.Data))
	for i, v := range ids.Data {
		id := int(v)
		if float32(id) != v || id < 0 || id >= num {
			return nil, fmt.Errorf("%w: token id %v outside [0,%d)", ErrShape, v, num)
		}
		out[i] = id
	}
	return out, nil
}

// EmbeddingForward gathers rows of table.
func EmbeddingForward(ids []int, table *tensor.Mat) (*tensor.Mat, error) {
	if table.IsPlaceholder() {
		return nil, tensor.ErrPlaceholder
	}
	y := tensor.NewMat(len(ids), table.C)
	for i, id := range ids {
		copy(y.Row(i), table.Row(id))
	}
	return y, nil
}
