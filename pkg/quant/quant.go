// Package quant holds the quantisation arithmetic shared by the native
// runtime and the graph interpreter.
package quant

import (
	"errors"
	"fmt"
	"math"
)

// ErrNonFinite is returned when a tensor contains NaN or Inf values.
var ErrNonFinite = errors.New("quant: non-finite value")

// QuantScheme converts float32 values into a lower precision representation.
type QuantScheme interface {
	Name() string
	Quantise(values []float32) (QuantTensor, error)
}

// QuantTensor holds blockwise quantised data. Per-tensor schemes produce a
// single block spanning every value.
type QuantTensor struct {
	BlockSize int
	Scales    []float32
	Zeroes    []int8
	Data      []int8
}

// Dequantise expands q back to float32.
func (q QuantTensor) Dequantise() []float32 {
	out := make([]float32, len(q.Data))
	for i, v := range q.Data {
		b := i / q.BlockSize
		out[i] = DequantiseValue(v, q.Scales[b], q.Zeroes[b])
	}
	return out
}

// AffineInt8 is per-tensor asymmetric int8 quantisation. The range always
// includes zero so that zero is exactly representable.
type AffineInt8 struct{}

func (AffineInt8) Name() string { return "affine-int8" }

func (AffineInt8) Quantise(values []float32) (QuantTensor, error) {
	if len(values) == 0 {
		return QuantTensor{}, fmt.Errorf("quant: empty tensor")
	}
	lo, hi, err := finiteRange(values)
	if err != nil {
		return QuantTensor{}, err
	}
	scale, zero := ParamsInt8(lo, hi)
	data := make([]int8, len(values))
	for i, v := range values {
		data[i] = QuantiseValue(v, scale, zero)
	}
	return QuantTensor{
		BlockSize: len(values),
		Scales:    []float32{scale},
		Zeroes:    []int8{zero},
		Data:      data,
	}, nil
}

// ParamsInt8 returns the scale and zero point mapping [min(0,lo), max(0,hi)]
// onto [-128, 127].
func ParamsInt8(lo, hi float32) (float32, int8) {
	rmin := min(lo, 0)
	rmax := max(hi, 0)
	scale := (rmax - rmin) / 255
	if scale == 0 {
		return 1, 0
	}
	zp := roundHalfEven(-128 - rmin/scale)
	return scale, int8(clamp(zp, -128, 127))
}

// QuantiseValue maps x to int8 with round half to even and saturation.
func QuantiseValue(x, scale float32, zero int8) int8 {
	q := roundHalfEven(x/scale) + float32(zero)
	return int8(clamp(q, -128, 127))
}

// DequantiseValue maps q back to float32.
func DequantiseValue(q int8, scale float32, zero int8) float32 {
	return float32(int32(q)-int32(zero)) * scale
}

// DynamicUint8 quantises x into dst following the DynamicQuantizeLinear
// operator: the range is the observed min/max widened to include zero and
// mapped onto [0, 255]. It returns the scale and zero point.
func DynamicUint8(dst []uint8, x []float32) (float32, uint8) {
	if len(dst) != len(x) {
		panic("quant: DynamicUint8 length mismatch")
	}
	var lo, hi float32
	for _, v := range x {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	scale := (hi - lo) / 255
	if scale == 0 {
		clear(dst)
		return 1, 0
	}
	zero := uint8(clamp(roundHalfEven(-lo/scale), 0, 255))
	for i, v := range x {
		dst[i] = uint8(clamp(roundHalfEven(v/scale)+float32(zero), 0, 255))
	}
	return scale, zero
}

// DequantiseUint8 maps a uint8 value back to float32.
func DequantiseUint8(q uint8, scale float32, zero uint8) float32 {
	return float32(int32(q)-int32(zero)) * scale
}

func finiteRange(values []float32) (float32, float32, error) {
	lo, hi := values[0], values[0]
	for _, v := range values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return 0, 0, ErrNonFinite
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi, nil
}

func roundHalfEven(x float32) float32 {
	return float32(math.RoundToEven(float64(x)))
}

func clamp(x, lo, hi float32) float32 {
	return max(lo, min(hi, x))
}
