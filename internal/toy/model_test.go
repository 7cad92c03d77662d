package toy

import (
	"math/rand"
	"testing"

	"github.com/samcharles93/qat/internal/tensor"
	"github.com/samcharles93/qat/pkg/nn"
)

func TestBuildShapes(t *testing.T) {
	t.Parallel()
	for _, name := range Names {
		t.Run(name, func(t *testing.T) {
			m, err := Build(name, 1)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			x, target, err := Example(name, 3, rand.New(rand.NewSource(2)))
			if err != nil {
				t.Fatalf("Example: %v", err)
			}
			y, err := m.Forward(x)
			if err != nil {
				t.Fatalf("Forward: %v", err)
			}
			if y.R != target.R || y.C != target.C {
				t.Fatalf("output [%d,%d], target [%d,%d]", y.R, y.C, target.R, target.C)
			}
		})
	}
	if _, err := Build("resnet", 1); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestSameSeedSameWeights(t *testing.T) {
	t.Parallel()
	a, b := nn.StateDict(NewM(3)), nn.StateDict(NewM(3))
	for k, v := range a {
		if !tensor.Equal(v, b[k]) {
			t.Fatalf("%s differs between builds", k)
		}
	}
}

func TestPlaceholderModels(t *testing.T) {
	t.Parallel()
	for _, m := range []nn.Module{NewPlaceholderM(), NewPlaceholderM2()} {
		if !nn.HasPlaceholders(m) {
			t.Fatalf("%s has storage", nn.TypeName(m))
		}
	}
	if got, want := nn.StateKeys(NewPlaceholderM()), nn.StateKeys(NewM(1)); len(got) != len(want) {
		t.Fatalf("keys %v, want %v", got, want)
	}
}

// TestLMForwardMatchesNaive compares the language model against a
// hand-computed embedding lookup and projection for one token.
func TestLMForwardMatchesNaive(t *testing.T) {
	t.Parallel()
	vocab, hidden := 8, 6
	m := NewLM(vocab, hidden, 5)
	tok := 3
	logits, err := m.Forward(tensor.NewMatFromData(1, 1, []float32{float32(tok)}))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	sd := nn.StateDict(m)
	h := sd["embedding.weight"].Row(tok)
	w, bias := sd["head.weight"], sd["head.bias"]
	for j := 0; j < vocab; j++ {
		ref := tensor.Dot(h, w.Row(j)) + bias.Data[j]
		if logits.At(0, j) != ref {
			t.Fatalf("logit mismatch at %d: got %f, want %f", j, logits.At(0, j), ref)
		}
	}
}
