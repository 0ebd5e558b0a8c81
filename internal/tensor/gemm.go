package tensor

import (
	"runtime"
	"sync"
)

// Tile sizes for the blocked kernels. The k loop always runs in ascending
// order so every output element accumulates in the same order as a plain dot
// product, whatever the tiling.
const (
	tileM = 32
	tileN = 32
	tileK = 64
)

// GemmPar computes C = A*B using a blocked algorithm, parallelising across
// ranges of output rows. workers <= 0 uses GOMAXPROCS.
func GemmPar(C, A, B *Mat, workers int) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	parallelRows(C.R, workers, func(rs, re int) {
		gemmRangeRows(C, A, B, rs, re)
	})
}

// LinearPar computes dst = x*Wᵀ + bias where w is laid out [out, in].
// bias may be nil.
func LinearPar(dst, x, w *Mat, bias []float32, workers int) {
	if x.C != w.C || dst.R != x.R || dst.C != w.R {
		panic("linear: dimension mismatch")
	}
	if bias != nil && len(bias) != w.R {
		panic("linear: bias length mismatch")
	}
	parallelRows(dst.R, workers, func(rs, re int) {
		for i := rs; i < re; i++ {
			xr := x.Row(i)
			out := dst.Row(i)
			for j := range out {
				v := Dot(xr, w.Row(j))
				if bias != nil {
					v += bias[j]
				}
				out[j] = v
			}
		}
	})
}

func gemmRangeRows(C, A, B *Mat, rs, re int) {
	n := C.C
	k := A.C
	for i := rs; i < re; i++ {
		clear(C.Row(i))
	}
	for i0 := rs; i0 < re; i0 += tileM {
		iMax := min(i0+tileM, re)
		for k0 := 0; k0 < k; k0 += tileK {
			kMax := min(k0+tileK, k)
			for j0 := 0; j0 < n; j0 += tileN {
				jMax := min(j0+tileN, n)
				for i := i0; i < iMax; i++ {
					a := A.Row(i)
					c := C.Row(i)[j0:jMax]
					for kk := k0; kk < kMax; kk++ {
						av := a[kk]
						b := B.Row(kk)[j0:jMax]
						for j := range c {
							c[j] += av * b[j]
						}
					}
				}
			}
		}
	}
}

// parallelRows splits [0, rows) into contiguous chunks and runs fn on each.
func parallelRows(rows, workers int, fn func(rs, re int)) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, rows)
	if workers <= 1 {
		fn(0, rows)
		return
	}
	chunk := (rows + workers - 1) / workers
	var wg sync.WaitGroup
	for rs := 0; rs < rows; rs += chunk {
		re := min(rs+chunk, rows)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(rs, re)
		}()
	}
	wg.Wait()
}
