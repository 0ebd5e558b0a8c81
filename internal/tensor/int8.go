package tensor

import "github.com/samcharles93/slimline/pkg/quant"

// QMat is an int8 weight matrix laid out [out, in] with per-tensor affine
// quantisation parameters.
type QMat struct {
	R, C  int
	Data  []int8
	Scale float32
	Zero  int8
}

// QuantiseMat converts a float32 [out, in] matrix to a QMat.
func QuantiseMat(w *Mat) (QMat, error) {
	c := w.Clone()
	qt, err := quant.AffineInt8{}.Quantise(c.Data)
	if err != nil {
		return QMat{}, err
	}
	return QMat{R: w.R, C: w.C, Data: qt.Data, Scale: qt.Scales[0], Zero: qt.Zeroes[0]}, nil
}

// Dequantise expands q back to float32.
func (q *QMat) Dequantise() Mat {
	out := NewMat(q.R, q.C)
	for i, v := range q.Data {
		out.Data[i] = quant.DequantiseValue(v, q.Scale, q.Zero)
	}
	return out
}

// Row returns the i-th row of q.
func (q *QMat) Row(i int) []int8 {
	return q.Data[i*q.C : (i+1)*q.C]
}

// LinearInt8 computes dst = x*Wᵀ + bias with x quantised per call to uint8,
// products accumulated in int32, and the result dequantised immediately.
func LinearInt8(dst, x *Mat, w *QMat, bias []float32, workers int) {
	if x.C != w.C || dst.R != x.R || dst.C != w.R {
		panic("linear int8: dimension mismatch")
	}
	xc := x.Clone()
	xq := make([]uint8, len(xc.Data))
	xs, xz := quant.DynamicUint8(xq, xc.Data)
	scale := xs * w.Scale
	parallelRows(dst.R, workers, func(rs, re int) {
		for i := rs; i < re; i++ {
			a := xq[i*x.C : (i+1)*x.C]
			out := dst.Row(i)
			for j := range out {
				acc := DotInteger(a, xz, w.Row(j), w.Zero)
				v := float32(acc) * scale
				if bias != nil {
					v += bias[j]
				}
				out[j] = v
			}
		}
	})
}

// DotInteger computes Σ (a[i]-az)*(b[i]-bz) in int32.
func DotInteger(a []uint8, az uint8, b []int8, bz int8) int32 {
	var acc int32
	for i := range a {
		acc += (int32(a[i]) - int32(az)) * (int32(b[i]) - int32(bz))
	}
	return acc
}

// MatMulInteger computes dst[m,n] = Σ_k (a[m,k]-az)*(b[k,n]-bz) with b laid
// out [k, n].
func MatMulInteger(dst []int32, a []uint8, az uint8, b []int8, bz int8, m, k, n int) {
	if len(a) != m*k || len(b) != k*n || len(dst) != m*n {
		panic("matmul integer: dimension mismatch")
	}
	clear(dst)
	for i := range m {
		row := dst[i*n : (i+1)*n]
		for kk := range k {
			av := int32(a[i*k+kk]) - int32(az)
			br := b[kk*n : (kk+1)*n]
			for j := range row {
				row[j] += av * (int32(br[j]) - int32(bz))
			}
		}
	}
}
