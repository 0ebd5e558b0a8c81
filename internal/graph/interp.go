package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/pkg/quant"
)

// ErrUnsupportedOp is returned for operators the interpreter cannot run.
var ErrUnsupportedOp = errors.New("graph: unsupported operator")

type kernel func(s *Session, n *Node, in []*Tensor) ([]*Tensor, error)

type opKey struct{ domain, op string }

var kernels map[opKey]kernel

func init() {
	kernels = map[opKey]kernel{
		{DomainONNX, "Gather"}:                  gatherOp,
		{DomainONNX, "Shape"}:                   shapeOp,
		{DomainONNX, "Range"}:                   rangeOp,
		{DomainONNX, "Add"}:                     binaryOp(func(a, b float32) float32 { return a + b }),
		{DomainONNX, "Sub"}:                     binaryOp(func(a, b float32) float32 { return a - b }),
		{DomainONNX, "Mul"}:                     binaryOp(func(a, b float32) float32 { return a * b }),
		{DomainONNX, "MatMul"}:                  matMulOp,
		{DomainONNX, "LayerNormalization"}:      layerNormOp,
		{DomainONNX, "Gelu"}:                    unaryOp(tensor.Gelu),
		{DomainONNX, "Tanh"}:                    unaryOp(tensor.Tanh),
		{DomainONNX, "Relu"}:                    unaryOp(tensor.Relu),
		{DomainONNX, "Cast"}:                    castOp,
		{DomainONNX, "Identity"}:                identityOp,
		{DomainONNX, "DynamicQuantizeLinear"}:   dynamicQuantizeOp,
		{DomainONNX, "MatMulInteger"}:           matMulIntegerOp,
		{DomainONNX, "DequantizeLinear"}:        dequantizeOp,
		{DomainMicrosoft, "MultiHeadAttention"}: multiHeadAttentionOp,
	}
}

// Supported reports whether the interpreter implements an operator.
func Supported(domain, op string) bool {
	_, ok := kernels[opKey{domain, op}]
	return ok
}

// Session runs a model on the CPU, one node at a time in graph order.
type Session struct {
	model   *Model
	workers int
}

// NewSession checks that every node of m can be executed.
func NewSession(m *Model, workers int) (*Session, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	for _, n := range m.Graph.Nodes {
		if !Supported(n.Domain, n.OpType) {
			return nil, fmt.Errorf("%w: %s (domain %q) at node %s", ErrUnsupportedOp, n.OpType, n.Domain, n.Name)
		}
	}
	return &Session{model: m, workers: workers}, nil
}

// Run evaluates the graph outputs for the given named inputs.
func (s *Session) Run(feeds map[string]*Tensor) (map[string]*Tensor, error) {
	g := s.model.Graph
	env := make(map[string]*Tensor, g.Initializers.Len()+len(g.Nodes))
	for p := g.Initializers.Oldest(); p != nil; p = p.Next() {
		env[p.Key] = p.Value
	}
	for _, in := range g.Inputs {
		t, ok := feeds[in.Name]
		if !ok {
			return nil, fmt.Errorf("graph: missing input %q", in.Name)
		}
		if t.DType != in.DType {
			return nil, fmt.Errorf("graph: input %q is %s, want %s", in.Name, t.DType, in.DType)
		}
		if err := checkShape(in, t.Dims); err != nil {
			return nil, err
		}
		env[in.Name] = t
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		args := make([]*Tensor, len(n.Inputs))
		for j, name := range n.Inputs {
			if name == "" {
				continue
			}
			args[j] = env[name]
		}
		outs, err := kernels[opKey{n.Domain, n.OpType}](s, n, args)
		if err != nil {
			return nil, fmt.Errorf("graph: node %s (%s): %w", n.Name, n.OpType, err)
		}
		for j, name := range n.Outputs {
			if j < len(outs) && name != "" {
				env[name] = outs[j]
			}
		}
	}
	out := make(map[string]*Tensor, len(g.Outputs))
	for _, o := range g.Outputs {
		out[o.Name] = env[o.Name]
	}
	return out, nil
}

func checkShape(vi ValueInfo, dims []int64) error {
	if len(vi.Shape) == 0 {
		return nil
	}
	if len(dims) != len(vi.Shape) {
		return fmt.Errorf("graph: input %q has rank %d, want %d", vi.Name, len(dims), len(vi.Shape))
	}
	for i, d := range vi.Shape {
		if d.Param == "" && d.Value != dims[i] {
			return fmt.Errorf("graph: input %q dimension %d is %d, want %d", vi.Name, i, dims[i], d.Value)
		}
	}
	return nil
}

func need(in []*Tensor, n int) error {
	if len(in) < n {
		return fmt.Errorf("expected %d inputs, got %d", n, len(in))
	}
	for i := range n {
		if in[i] == nil {
			return fmt.Errorf("input %d is missing", i)
		}
	}
	return nil
}

func wantType(t *Tensor, d DataType) error {
	if t.DType != d {
		return fmt.Errorf("operand %s is %s, want %s", t.Name, t.DType, d)
	}
	return nil
}

func scalarIndex(t *Tensor) (int64, error) {
	switch {
	case t.DType == Int64 && len(t.I64) == 1:
		return t.I64[0], nil
	case t.DType == Int32 && len(t.I32) == 1:
		return int64(t.I32[0]), nil
	}
	return 0, fmt.Errorf("operand %s is not an integer scalar", t.Name)
}

func prod(dims []int64) int {
	n := 1
	for _, d := range dims {
		n *= int(d)
	}
	return n
}

func gatherRows[T any](src []T, outer, axisLen, inner int, idx []int64) []T {
	out := make([]T, 0, outer*len(idx)*inner)
	for o := range outer {
		base := o * axisLen * inner
		for _, k := range idx {
			start := base + int(k)*inner
			out = append(out, src[start:start+inner]...)
		}
	}
	return out
}

func gatherOp(_ *Session, n *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	data, indices := in[0], in[1]
	axis := int(n.IntAttr("axis", 0))
	if axis < 0 {
		axis += len(data.Dims)
	}
	if axis < 0 || axis >= len(data.Dims) {
		return nil, fmt.Errorf("axis %d out of range for rank %d", axis, len(data.Dims))
	}
	var idx []int64
	switch indices.DType {
	case Int64:
		idx = slices.Clone(indices.I64)
	case Int32:
		for _, v := range indices.I32 {
			idx = append(idx, int64(v))
		}
	default:
		return nil, fmt.Errorf("indices are %s", indices.DType)
	}
	axisLen := data.Dims[axis]
	for i, k := range idx {
		if k < 0 {
			k += axisLen
		}
		if k < 0 || k >= axisLen {
			return nil, fmt.Errorf("index %d out of range [0,%d)", idx[i], axisLen)
		}
		idx[i] = k
	}
	outer := prod(data.Dims[:axis])
	inner := prod(data.Dims[axis+1:])
	dims := slices.Concat(data.Dims[:axis], indices.Dims, data.Dims[axis+1:])

	out := &Tensor{DType: data.DType, Dims: dims}
	switch data.DType {
	case Float:
		out.F32 = gatherRows(data.F32, outer, int(axisLen), inner, idx)
	case Int8:
		out.I8 = gatherRows(data.I8, outer, int(axisLen), inner, idx)
	case Uint8:
		out.U8 = gatherRows(data.U8, outer, int(axisLen), inner, idx)
	case Int32:
		out.I32 = gatherRows(data.I32, outer, int(axisLen), inner, idx)
	case Int64:
		out.I64 = gatherRows(data.I64, outer, int(axisLen), inner, idx)
	default:
		return nil, fmt.Errorf("data is %s", data.DType)
	}
	return []*Tensor{out}, nil
}

func shapeOp(_ *Session, _ *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	return []*Tensor{Int64Tensor("", []int64{int64(len(in[0].Dims))}, slices.Clone(in[0].Dims))}, nil
}

func rangeOp(_ *Session, _ *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 3); err != nil {
		return nil, err
	}
	var v [3]int64
	for i := range v {
		x, err := scalarIndex(in[i])
		if err != nil {
			return nil, err
		}
		v[i] = x
	}
	start, limit, delta := v[0], v[1], v[2]
	if delta == 0 {
		return nil, errors.New("range delta is zero")
	}
	var out []int64
	for x := start; (delta > 0 && x < limit) || (delta < 0 && x > limit); x += delta {
		out = append(out, x)
	}
	return []*Tensor{Int64Tensor("", []int64{int64(len(out))}, out)}, nil
}

// broadcastDims returns the numpy broadcast of a and b.
func broadcastDims(a, b []int64) ([]int64, error) {
	rank := max(len(a), len(b))
	out := make([]int64, rank)
	for i := range rank {
		da, db := int64(1), int64(1)
		if j := i - (rank - len(a)); j >= 0 {
			da = a[j]
		}
		if j := i - (rank - len(b)); j >= 0 {
			db = b[j]
		}
		switch {
		case da == db, db == 1:
			out[i] = da
		case da == 1:
			out[i] = db
		default:
			return nil, fmt.Errorf("cannot broadcast %v with %v", a, b)
		}
	}
	return out, nil
}

// broadcastStrides maps dims onto out, with stride 0 along broadcast axes.
func broadcastStrides(dims, out []int64) []int {
	strides := make([]int, len(out))
	stride := 1
	for i := len(out) - 1; i >= 0; i-- {
		j := i - (len(out) - len(dims))
		if j < 0 || dims[j] == 1 {
			continue
		}
		strides[i] = stride
		stride *= int(dims[j])
	}
	return strides
}

func binaryOp(fn func(a, b float32) float32) kernel {
	return func(_ *Session, _ *Node, in []*Tensor) ([]*Tensor, error) {
		if err := need(in, 2); err != nil {
			return nil, err
		}
		a, b := in[0], in[1]
		if err := wantType(a, Float); err != nil {
			return nil, err
		}
		if err := wantType(b, Float); err != nil {
			return nil, err
		}
		dims, err := broadcastDims(a.Dims, b.Dims)
		if err != nil {
			return nil, err
		}
		out := make([]float32, prod(dims))
		switch {
		case slices.Equal(a.Dims, b.Dims):
			for i := range out {
				out[i] = fn(a.F32[i], b.F32[i])
			}
		case len(b.F32) == 1 && len(a.F32) == len(out):
			for i := range out {
				out[i] = fn(a.F32[i], b.F32[0])
			}
		case len(a.F32) == len(out) && len(b.F32) > 0 && len(out)%len(b.F32) == 0 && trailing(a.Dims, b.Dims):
			m := len(b.F32)
			for i := range out {
				out[i] = fn(a.F32[i], b.F32[i%m])
			}
		default:
			sa, sb := broadcastStrides(a.Dims, dims), broadcastStrides(b.Dims, dims)
			idx := make([]int64, len(dims))
			for i := range out {
				ia, ib := 0, 0
				for d, v := range idx {
					ia += int(v) * sa[d]
					ib += int(v) * sb[d]
				}
				out[i] = fn(a.F32[ia], b.F32[ib])
				for d := len(idx) - 1; d >= 0; d-- {
					idx[d]++
					if idx[d] < dims[d] {
						break
					}
					idx[d] = 0
				}
			}
		}
		return []*Tensor{FloatTensor("", dims, out)}, nil
	}
}

// trailing reports whether b, with leading ones removed, equals the trailing
// dimensions of a.
func trailing(a, b []int64) bool {
	for len(b) > 0 && b[0] == 1 {
		b = b[1:]
	}
	return len(b) <= len(a) && slices.Equal(a[len(a)-len(b):], b)
}

func unaryOp(fn func(float32) float32) kernel {
	return func(_ *Session, _ *Node, in []*Tensor) ([]*Tensor, error) {
		if err := need(in, 1); err != nil {
			return nil, err
		}
		if err := wantType(in[0], Float); err != nil {
			return nil, err
		}
		out := slices.Clone(in[0].F32)
		tensor.Apply(out, fn)
		return []*Tensor{FloatTensor("", in[0].Dims, out)}, nil
	}
}

func identityOp(_ *Session, _ *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	return []*Tensor{in[0]}, nil
}

// matrixOperand checks that w is a constant-shaped [K, N] right operand of a
// matmul whose left operand has last dimension k.
func matrixOperand(a, w *Tensor) (rows, k, n int, dims []int64, err error) {
	if len(a.Dims) < 1 || len(w.Dims) != 2 {
		return 0, 0, 0, nil, fmt.Errorf("matmul of %v by %v is not supported", a.Dims, w.Dims)
	}
	k = int(a.Dims[len(a.Dims)-1])
	if int(w.Dims[0]) != k {
		return 0, 0, 0, nil, fmt.Errorf("matmul inner dimensions differ: %v by %v", a.Dims, w.Dims)
	}
	n = int(w.Dims[1])
	rows = prod(a.Dims[:len(a.Dims)-1])
	dims = slices.Clone(a.Dims)
	dims[len(dims)-1] = int64(n)
	return rows, k, n, dims, nil
}

func matMulOp(s *Session, _ *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	a, w := in[0], in[1]
	if err := wantType(a, Float); err != nil {
		return nil, err
	}
	if err := wantType(w, Float); err != nil {
		return nil, err
	}
	rows, k, n, dims, err := matrixOperand(a, w)
	if err != nil {
		return nil, err
	}
	A := tensor.NewMatFromData(rows, k, a.F32)
	B := tensor.NewMatFromData(k, n, w.F32)
	C := tensor.NewMat(rows, n)
	tensor.GemmPar(&C, &A, &B, s.workers)
	return []*Tensor{FloatTensor("", dims, C.Data)}, nil
}

func layerNormOp(_ *Session, n *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	x, scale := in[0], in[1]
	if axis := n.IntAttr("axis", -1); axis != -1 && int(axis) != len(x.Dims)-1 {
		return nil, fmt.Errorf("layer normalization over axis %d is not supported", axis)
	}
	width := int(x.Dims[len(x.Dims)-1])
	bias := make([]float32, width)
	if len(in) > 2 && in[2] != nil {
		bias = in[2].F32
	}
	if len(scale.F32) != width || len(bias) != width {
		return nil, fmt.Errorf("scale and bias must have %d values", width)
	}
	eps := n.FloatAttr("epsilon", 1e-5)
	out := make([]float32, len(x.F32))
	for r := 0; r < len(out); r += width {
		tensor.LayerNorm(out[r:r+width], x.F32[r:r+width], scale.F32, bias, eps)
	}
	return []*Tensor{FloatTensor("", x.Dims, out)}, nil
}

func castOp(_ *Session, n *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	x := in[0]
	to := DataType(n.IntAttr("to", 0))
	var vals []float64
	switch x.DType {
	case Float:
		for _, v := range x.F32 {
			vals = append(vals, float64(v))
		}
	case Int64:
		for _, v := range x.I64 {
			vals = append(vals, float64(v))
		}
	case Int32:
		for _, v := range x.I32 {
			vals = append(vals, float64(v))
		}
	default:
		return nil, fmt.Errorf("cast from %s is not supported", x.DType)
	}
	out := &Tensor{DType: to, Dims: slices.Clone(x.Dims)}
	switch to {
	case Float:
		out.F32 = make([]float32, len(vals))
		for i, v := range vals {
			out.F32[i] = float32(v)
		}
	case Int32:
		out.I32 = make([]int32, len(vals))
		for i, v := range vals {
			out.I32[i] = int32(v)
		}
	case Int64:
		out.I64 = make([]int64, len(vals))
		for i, v := range vals {
			out.I64[i] = int64(v)
		}
	default:
		return nil, fmt.Errorf("cast to %s is not supported", to)
	}
	return []*Tensor{out}, nil
}

func dynamicQuantizeOp(_ *Session, _ *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 1); err != nil {
		return nil, err
	}
	if err := wantType(in[0], Float); err != nil {
		return nil, err
	}
	q := make([]uint8, len(in[0].F32))
	scale, zero := quant.DynamicUint8(q, in[0].F32)
	return []*Tensor{
		{DType: Uint8, Dims: slices.Clone(in[0].Dims), U8: q},
		FloatTensor("", nil, []float32{scale}),
		{DType: Uint8, U8: []uint8{zero}},
	}, nil
}

func matMulIntegerOp(_ *Session, _ *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	a, w := in[0], in[1]
	if err := wantType(a, Uint8); err != nil {
		return nil, err
	}
	if err := wantType(w, Int8); err != nil {
		return nil, err
	}
	var az uint8
	var wz int8
	if len(in) > 2 && in[2] != nil {
		if err := wantType(in[2], Uint8); err != nil {
			return nil, err
		}
		az = in[2].U8[0]
	}
	if len(in) > 3 && in[3] != nil {
		if err := wantType(in[3], Int8); err != nil {
			return nil, err
		}
		if len(in[3].I8) != 1 {
			return nil, errors.New("per-column weight zero points are not supported")
		}
		wz = in[3].I8[0]
	}
	rows, k, n, dims, err := matrixOperand(a, w)
	if err != nil {
		return nil, err
	}
	out := make([]int32, rows*n)
	tensor.MatMulInteger(out, a.U8, az, w.I8, wz, rows, k, n)
	return []*Tensor{{DType: Int32, Dims: dims, I32: out}}, nil
}

func dequantizeOp(_ *Session, _ *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 2); err != nil {
		return nil, err
	}
	x, scale := in[0], in[1]
	if err := wantType(scale, Float); err != nil {
		return nil, err
	}
	if len(scale.F32) != 1 {
		return nil, errors.New("per-axis dequantization is not supported")
	}
	out := make([]float32, x.Len())
	switch x.DType {
	case Int8:
		var zero int8
		if len(in) > 2 && in[2] != nil {
			zero = in[2].I8[0]
		}
		for i, v := range x.I8 {
			out[i] = quant.DequantiseValue(v, scale.F32[0], zero)
		}
	case Uint8:
		var zero uint8
		if len(in) > 2 && in[2] != nil {
			zero = in[2].U8[0]
		}
		for i, v := range x.U8 {
			out[i] = quant.DequantiseUint8(v, scale.F32[0], zero)
		}
	default:
		return nil, fmt.Errorf("dequantize of %s is not supported", x.DType)
	}
	return []*Tensor{FloatTensor("", x.Dims, out)}, nil
}

// multiHeadAttentionOp implements com.microsoft.MultiHeadAttention for
// separate [batch, seq, hidden] query, key and value inputs with an
// optional [batch, seq] key padding mask.
func multiHeadAttentionOp(_ *Session, n *Node, in []*Tensor) ([]*Tensor, error) {
	if err := need(in, 3); err != nil {
		return nil, err
	}
	q, k, v := in[0], in[1], in[2]
	for _, t := range []*Tensor{q, k, v} {
		if err := wantType(t, Float); err != nil {
			return nil, err
		}
		if len(t.Dims) != 3 {
			return nil, fmt.Errorf("operand %s has rank %d, want 3", t.Name, len(t.Dims))
		}
	}
	if len(in) > 3 && in[3] != nil {
		return nil, errors.New("attention bias input is not supported")
	}
	if f := n.FloatAttr("mask_filter_value", tensor.MaskFilterValue); f != tensor.MaskFilterValue {
		return nil, fmt.Errorf("mask_filter_value %v is not supported", f)
	}
	heads := int(n.IntAttr("num_heads", 0))
	batch, seq, width := int(q.Dims[0]), int(q.Dims[1]), int(q.Dims[2])
	if heads <= 0 || width%heads != 0 {
		return nil, fmt.Errorf("num_heads %d does not divide width %d", heads, width)
	}
	if !slices.Equal(k.Dims, q.Dims) || !slices.Equal(v.Dims, q.Dims) {
		return nil, fmt.Errorf("query %v, key %v and value %v shapes differ", q.Dims, k.Dims, v.Dims)
	}
	var mask *Tensor
	if len(in) > 4 && in[4] != nil {
		mask = in[4]
		if err := wantType(mask, Int32); err != nil {
			return nil, err
		}
		if !slices.Equal(mask.Dims, []int64{int64(batch), int64(seq)}) {
			return nil, fmt.Errorf("key padding mask shape %v, want [%d %d]", mask.Dims, batch, seq)
		}
	}
	out := make([]float32, batch*seq*width)
	step := seq * width
	for b := range batch {
		qm := tensor.NewMatFromData(seq, width, q.F32[b*step:(b+1)*step])
		km := tensor.NewMatFromData(seq, width, k.F32[b*step:(b+1)*step])
		vm := tensor.NewMatFromData(seq, width, v.F32[b*step:(b+1)*step])
		dst := tensor.NewMatFromData(seq, width, out[b*step:(b+1)*step])
		var keep []bool
		if mask != nil {
			keep = make([]bool, seq)
			for j := range seq {
				keep[j] = mask.I32[b*seq+j] != 0
			}
		}
		tensor.Attention(&dst, &qm, &km, &vm, heads, width/heads, keep)
	}
	return []*Tensor{FloatTensor("", q.Dims, out)}, nil
}
