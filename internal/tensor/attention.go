package tensor

import "math"

// MaskFilterValue is added to attention scores of masked key positions.
const MaskFilterValue = -10000

// Attention computes scaled dot-product attention independently for each head.
// q, k and v are [seq, heads*headDim] and dst is [seq, heads*headDim].
// keep marks the key positions that may be attended to; nil keeps all of them.
func Attention(dst, q, k, v *Mat, heads, headDim int, keep []bool) {
	seq := q.R
	width := heads * headDim
	if q.C != width || k.C != width || v.C != width || dst.C != width {
		panic("attention: width mismatch")
	}
	if k.R != seq || v.R != seq || dst.R != seq {
		panic("attention: sequence mismatch")
	}
	if keep != nil && len(keep) != seq {
		panic("attention: mask length mismatch")
	}
	scale := float32(1 / math.Sqrt(float64(headDim)))
	scores := make([]float32, seq)
	for h := range heads {
		off := h * headDim
		for i := range seq {
			qi := q.Row(i)[off : off+headDim]
			for j := range seq {
				s := Dot(qi, k.Row(j)[off:off+headDim]) * scale
				if keep != nil && !keep[j] {
					s += MaskFilterValue
				}
				scores[j] = s
			}
			Softmax(scores)
			out := dst.Row(i)[off : off+headDim]
			clear(out)
			for j, p := range scores {
				vj := v.Row(j)[off : off+headDim]
				for d := range out {
					out[d] += p * vj[d]
				}
			}
		}
	}
}
