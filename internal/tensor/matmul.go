package tensor

import (
	"runtime"
	"sync"
)

// minRowsPerTask keeps tiny products on the calling goroutine.
const minRowsPerTask = 4

type rowTask struct {
	fn     func(rs, re int)
	rs, re int
	done   chan struct{}
}

type rowPool struct {
	size      int
	tasks     chan rowTask
	doneSlots chan chan struct{}
}

var (
	rowWorkPool *rowPool
	rowPoolOnce sync.Once
)

func getRowPool() *rowPool {
	rowPoolOnce.Do(func() {
		rowWorkPool = newRowPool()
	})
	return rowWorkPool
}

func newRowPool() *rowPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &rowPool{
		size:      size,
		tasks:     make(chan rowTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, size)
	}
	for i := 0; i < size; i++ {
		go func() {
			for task := range p.tasks {
				task.fn(task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// ParallelRows splits [0, n) into contiguous chunks and runs fn on each chunk
// on the shared worker pool. It returns once every chunk has finished.
func ParallelRows(n int, fn func(rs, re int)) {
	if n <= 0 {
		return
	}
	pool := getRowPool()
	workers := pool.size
	if maxWorkers := n / minRowsPerTask; workers > maxWorkers {
		workers = maxWorkers
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-pool.doneSlots

	active := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := min(rs+chunk, n)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- rowTask{fn: fn, rs: rs, re: re, done: done}
	}
	for i := 0; i < active; i++ {
		<-done
	}
	pool.doneSlots <- done
}

// MatMulT computes dst = a · bᵀ, the layout of a linear layer whose weight b
// is stored [out, in]. a is [n, k], b is [m, k] and dst is [n, m].
func MatMulT(dst, a, b *Mat) {
	if a.C != b.C || dst.R != a.R || dst.C != b.R {
		panic("matmul shape mismatch")
	}
	ParallelRows(a.R, func(rs, re int) {
		for i := rs; i < re; i++ {
			x := a.Row(i)
			out := dst.Row(i)
			for j := 0; j < b.R; j++ {
				out[j] = Dot(x, b.Row(j))
			}
		}
	})
}

// MatMul computes dst = a · b. a is [n, k], b is [k, m] and dst is [n, m].
func MatMul(dst, a, b *Mat) {
	if a.C != b.R || dst.R != a.R || dst.C != b.C {
		panic("matmul shape mismatch")
	}
	ParallelRows(a.R, func(rs, re int) {
		for i := rs; i < re; i++ {
			x := a.Row(i)
			out := dst.Row(i)
			clear(out)
			for kk, av := range x {
				if av == 0 {
					continue
				}
				brow := b.Row(kk)
				for j := range out {
					out[j] += av * brow[j]
				}
			}
		}
	})
}

// MatMulTN computes dst = aᵀ · b. a is [k, n], b is [k, m] and dst is [n, m].
func MatMulTN(dst, a, b *Mat) {
	if a.R != b.R || dst.R != a.C || dst.C != b.C {
		panic("matmul shape mismatch")
	}
	ParallelRows(a.C, func(rs, re int) {
		for i := rs; i < re; i++ {
			out := dst.Row(i)
			clear(out)
			for kk := 0; kk < a.R; kk++ {
				av := a.Row(kk)[i]
				if av == 0 {
					continue
				}
				brow := b.Row(kk)
				for j := range out {
					out[j] += av * brow[j]
				}
			}
		}
	})
}
