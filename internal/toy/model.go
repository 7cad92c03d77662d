// Package toy builds the small deterministic models used to exercise the
// training adapters end to end: a stack of linear layers, an embedding, and
// a one-layer language model.
package toy

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
)

const (
	// LMVocab and LMHidden size the language model returned by Build("lm").
	LMVocab  = 64
	LMHidden = 256
)

// Names lists the models Build knows.
var Names = []string{"m", "m2", "lm"}

// NewM returns linear1 (512->256) -> sub.linear (256->256) -> linear2
// (256->512), all without bias.
func NewM(seed int64) *nn.Sequential {
	rng := rand.New(rand.NewSource(seed))
	return newM(
		nn.NewLinear(512, 256, false, rng),
		nn.NewLinear(256, 256, false, rng),
		nn.NewLinear(256, 512, false, rng),
	)
}

// NewPlaceholderM returns M with shaped but unallocated weights.
func NewPlaceholderM() *nn.Sequential {
	return newM(
		nn.NewPlaceholderLinear(512, 256, false),
		nn.NewPlaceholderLinear(256, 256, false),
		nn.NewPlaceholderLinear(256, 512, false),
	)
}

func newM(l1, sub, l2 *nn.Linear) *nn.Sequential {
	return nn.NewSequential(
		nn.Child{Name: "linear1", Module: l1},
		nn.Child{Name: "sub", Module: nn.NewSequential(nn.Child{Name: "linear", Module: sub})},
		nn.Child{Name: "linear2", Module: l2},
	)
}

// NewM2 returns a single 10x512 embedding.
func NewM2(seed int64) *nn.Sequential {
	return nn.NewSequential(nn.Child{Name: "embedding", Module: nn.NewEmbedding(10, 512, rand.New(rand.NewSource(seed)))})
}

// NewPlaceholderM2 returns M2 with an unallocated table.
func NewPlaceholderM2() *nn.Sequential {
	return nn.NewSequential(nn.Child{Name: "embedding", Module: nn.NewPlaceholderEmbedding(10, 512)})
}

// NewLM returns an embedding followed by a projection back to vocabulary
// logits.
func NewLM(vocab, hidden int, seed int64) *nn.Sequential {
	rng := rand.New(rand.NewSource(seed))
	return nn.NewSequential(
		nn.Child{Name: "embedding", Module: nn.NewEmbedding(vocab, hidden, rng)},
		nn.Child{Name: "head", Module: nn.NewLinear(hidden, vocab, true, rng)},
	)
}

// Build returns the named model.
func Build(name string, seed int64) (nn.Module, error) {
	switch name {
	case "m":
		return NewM(seed), nil
	case "m2":
		return NewM2(seed), nil
	case "lm":
		return NewLM(LMVocab, LMHidden, seed), nil
	default:
		return nil, fmt.Errorf("toy: unknown model %q", name)
	}
}

// Example returns a batch of inputs for the named model together with a
// target of the output's shape. Token ids for embedding models are drawn
// from [1, vocab). The LM target is a one-hot next token per row.
func Example(name string, batch int, rng *rand.Rand) (x, target *tensor.Mat, err error) {
	switch name {
	case "m":
		x = tensor.NewMat(batch, 512)
		tensor.FillNormal(x, rng)
		target = tensor.NewMat(batch, 512)
		tensor.FillNormal(target, rng)
	case "m2":
		x = tokens(batch, 10, rng)
		target = tensor.NewMat(batch, 512)
		tensor.FillNormal(target, rng)
	case "lm":
		x = tokens(batch, LMVocab, rng)
		target = tensor.NewMat(batch, LMVocab)
		for i, v := range x.Data {
			next := (int(v) + 1) % LMVocab
			target.Set(i, next, 1)
		}
	default:
		return nil, nil, fmt.Errorf("toy: unknown model %q", name)
	}
	return x, target, nil
}

func tokens(n, vocab int, rng *rand.Rand) *tensor.Mat {
	ids := tensor.NewMat(1, n)
	for i := range ids.Data {
		ids.Data[i] = float32(1 + rng.Intn(vocab-1))
	}
	return ids
}
