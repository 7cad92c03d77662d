package nn

import (
	"fmt"

	"github.com/samcharles93/qat/internal/tensor"
)

// CrossEntropy computes the mean cross-entropy between row logits and row
// target weights, -Σ t·log_softmax(z) / rows, and its gradient with respect
// to the logits. Targets need not sum to one.
func CrossEntropy(logits, target *tensor.Mat) (float32, *tensor.Mat, error) {
	if logits.R != target.R || logits.C != target.C {
		return 0, nil, fmt.Errorf("%w: logits [%d,%d] and target [%d,%d] differ", ErrShape, logits.R, logits.C, target.R, target.C)
	}
	n := float32(logits.R)
	grad := tensor.NewMat(logits.R, logits.C)
	lsm := make([]float32, logits.C)
	var loss float64
	for r := 0; r < logits.R; r++ {
		z, t, g := logits.Row(r), target.Row(r), grad.Row(r)
		tensor.LogSoftmax(lsm, z)
		var tsum float32
		for i := range z {
			loss -= float64(t[i] * lsm[i])
			tsum += t[i]
		}
		copy(g, z)
		tensor.Softmax(g)
		for i := range g {
			g[i] = (g[i]*tsum - t[i]) / n
		}
	}
	return float32(loss / float64(n)), grad, nil
}

// MSE computes mean((y - target)²) and its gradient with respect to y.
func MSE(y, target *tensor.Mat) (float32, *tensor.Mat, error) {
	if y.R != target.R || y.C != target.C {
		return 0, nil, fmt.Errorf("%w: output [%d,%d] and target [%d,%d] differ", ErrShape, y.R, y.C, target.R, target.C)
	}
	n := float32(y.Len())
	grad := tensor.NewMat(y.R, y.C)
	var loss float64
	for i, v := range y.Data {
		d := v - target.Data[i]
		loss += float64(d * d)
		grad.Data[i] = 2 * d / n
	}
	return float32(loss / float64(n)), grad, nil
}
