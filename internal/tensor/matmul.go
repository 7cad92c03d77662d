package tensor

import (
	"runtime"
	"sync"
)

// Below this many multiply-adds a product runs on the calling goroutine.
const parallelThreshold = 1 << 16

type rowTask struct {
	fn     func(rs, re int)
	rs, re int
	wg     *sync.WaitGroup
}

// rowPool is a persistent set of workers that split a matrix product by
// output rows. Every output element is produced by exactly one worker with a
// fixed reduction order, so results do not depend on the worker count.
type rowPool struct {
	size  int
	tasks chan rowTask
}

func newRowPool() *rowPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &rowPool{
		size:  size,
		tasks: make(chan rowTask, size*2),
	}
	for range size {
		go func() {
			for t := range p.tasks {
				t.fn(t.rs, t.re)
				t.wg.Done()
			}
		}()
	}
	return p
}

var workPool = newRowPool()

// ParallelRows calls fn over disjoint [rs, re) ranges covering [0, rows).
// work is the approximate cost per row and decides whether splitting pays off.
func ParallelRows(rows, work int, fn func(rs, re int)) {
	if rows == 0 {
		return
	}
	workers := min(workPool.size, rows)
	if workers <= 1 || rows*work < parallelThreshold {
		fn(0, rows)
		return
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for rs := 0; rs < rows; rs += chunk {
		re := min(rs+chunk, rows)
		wg.Add(1)
		workPool.tasks <- rowTask{fn: fn, rs: rs, re: re, wg: &wg}
	}
	wg.Wait()
}

// MatMulT computes dst = a · bᵀ, the layout of a linear layer where b holds
// one output feature per row. a is [M,K], b is [N,K], dst is [M,N].
func MatMulT(dst, a, b *Mat) {
	if a.C != b.C || dst.R != a.R || dst.C != b.R {
		panic("matmul: dimension mismatch")
	}
	k := a.C
	ParallelRows(a.R, b.R*k, func(rs, re int) {
		for i := rs; i < re; i++ {
			x := a.Data[i*k : (i+1)*k]
			out := dst.Data[i*dst.C : (i+1)*dst.C]
			for j := range out {
				out[j] = Dot(x, b.Data[j*k:(j+1)*k])
			}
		}
	})
}

// MatMul computes dst = a · b. a is [M,K], b is [K,N], dst is [M,N].
func MatMul(dst, a, b *Mat) {
	if a.C != b.R || dst.R != a.R || dst.C != b.C {
		panic("matmul: dimension mismatch")
	}
	n := b.C
	ParallelRows(a.R, a.C*n, func(rs, re int) {
		for i := rs; i < re; i++ {
			out := dst.Data[i*n : (i+1)*n]
			clear(out)
			row := a.Data[i*a.C : (i+1)*a.C]
			for kk, av := range row {
				if av == 0 {
					continue
				}
				bRow := b.Data[kk*n : (kk+1)*n]
				for j := range out {
					out[j] += av * bRow[j]
				}
			}
		}
	})
}

// MatMulTN computes dst = aᵀ · b. a is [K,M], b is [K,N], dst is [M,N].
// This is the weight-gradient product of a linear layer.
func MatMulTN(dst, a, b *Mat) {
	if a.R != b.R || dst.R != a.C || dst.C != b.C {
		panic("matmul: dimension mismatch")
	}
	m, n := a.C, b.C
	ParallelRows(m, a.R*n, func(rs, re int) {
		for i := rs; i < re; i++ {
			out := dst.Data[i*n : (i+1)*n]
			clear(out)
			for kk := 0; kk < a.R; kk++ {
				av := a.Data[kk*m+i]
				if av == 0 {
					continue
				}
				bRow := b.Data[kk*n : (kk+1)*n]
				for j := range out {
					out[j] += av * bRow[j]
				}
			}
		}
	})
}
