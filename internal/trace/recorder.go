package trace

import (
	"slices"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/mcfstore"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
)

// Recorder is a model.Ops that computes eagerly and records every operation
// it executes. Values are identified by the address of their first element,
// which is unique because every op allocates its result.
type Recorder struct {
	eager model.Eager

	steps []Step
	next  int
	mats  map[*float32]int
	ints  map[*int64]int
	keeps map[*bool]int

	params map[string]mcfstore.Tensor
	order  []string
	err    error
}

// NewRecorder starts a recording whose inputs are ids and mask. The same
// slices must be passed to model.Forward.
func NewRecorder(ids, mask []int64, workers int) *Recorder {
	r := &Recorder{
		eager:  model.Eager{Workers: workers},
		next:   InputMask + 1,
		mats:   map[*float32]int{},
		ints:   map[*int64]int{},
		keeps:  map[*bool]int{},
		params: map[string]mcfstore.Tensor{},
	}
	if len(ids) > 0 {
		r.ints[&ids[0]] = InputIDs
	}
	if len(mask) > 0 {
		r.ints[&mask[0]] = InputMask
	}
	return r
}

// Program returns the recorded program whose result is out.
func (r *Recorder) Program(out tensor.Mat, seqLen int) (*Program, error) {
	if r.err != nil {
		return nil, r.err
	}
	id, ok := r.matID(out)
	if !ok {
		return nil, &artifact.ConversionError{Op: "output", Reason: "result was not produced by a recorded operation"}
	}
	return &Program{SeqLen: seqLen, Labels: out.C, Steps: slices.Clone(r.steps), Output: id}, nil
}

// Tensors returns every parameter the recording touched, in first-use order.
func (r *Recorder) Tensors() []mcfstore.Tensor {
	out := make([]mcfstore.Tensor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.params[name])
	}
	return out
}

func (r *Recorder) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Recorder) matID(m tensor.Mat) (int, bool) {
	if len(m.Data) == 0 {
		return 0, false
	}
	id, ok := r.mats[&m.Data[0]]
	return id, ok
}

func (r *Recorder) in(op Op, ms ...tensor.Mat) []int {
	ids := make([]int, len(ms))
	for i, m := range ms {
		id, ok := r.matID(m)
		if !ok {
			r.fail(&artifact.ConversionError{Op: string(op), Reason: "operand was not produced by a recorded operation"})
		}
		ids[i] = id
	}
	return ids
}

func (r *Recorder) emit(s Step, out tensor.Mat) tensor.Mat {
	s.Out = r.next
	r.next++
	r.steps = append(r.steps, s)
	if len(out.Data) > 0 {
		r.mats[&out.Data[0]] = s.Out
	}
	return out
}

func (r *Recorder) param(name string, shape []int, data []float32) {
	if _, ok := r.params[name]; ok {
		return
	}
	r.params[name] = mcfstore.Tensor{Name: name, Shape: slices.Clone(shape), Data: data}
	r.order = append(r.order, name)
}

func (r *Recorder) Embed(e *model.Embedding, ids []int64) tensor.Mat {
	r.param(e.LayerName+".weight", []int{e.Table.R, e.Table.C}, e.Table.Data)
	s := Step{Op: OpEmbed, Layer: e.LayerName}
	if id, ok := r.ints[firstInt(ids)]; ok && len(ids) > 0 {
		s.In = []int{id}
	} else {
		s.Literal = slices.Clone(ids)
	}
	return r.emit(s, r.eager.Embed(e, ids))
}

func (r *Recorder) Add(a, b tensor.Mat) tensor.Mat {
	return r.emit(Step{Op: OpAdd, In: r.in(OpAdd, a, b)}, r.eager.Add(a, b))
}

func (r *Recorder) LayerNorm(x tensor.Mat, n *model.Other) tensor.Mat {
	r.param(n.LayerName+".weight", []int{len(n.Weight)}, n.Weight)
	r.param(n.LayerName+".bias", []int{len(n.Bias)}, n.Bias)
	s := Step{Op: OpLayerNorm, In: r.in(OpLayerNorm, x), Layer: n.LayerName, Eps: n.Eps}
	return r.emit(s, r.eager.LayerNorm(x, n))
}

func (r *Recorder) Linear(x tensor.Mat, l *model.Linear) tensor.Mat {
	if l.Quantized() {
		r.fail(&artifact.ConversionError{Layer: l.LayerName, Op: string(OpLinear), Reason: "int8 weights cannot be traced"})
	} else {
		r.param(l.LayerName+".weight", []int{l.W.R, l.W.C}, l.W.Data)
	}
	r.param(l.LayerName+".bias", []int{len(l.B)}, l.B)
	s := Step{Op: OpLinear, In: r.in(OpLinear, x), Layer: l.LayerName}
	return r.emit(s, r.eager.Linear(x, l))
}

func (r *Recorder) Attention(q, k, v tensor.Mat, a *model.Attention, keep []bool) tensor.Mat {
	in := r.in(OpAttention, q, k, v)
	if keep != nil {
		id, ok := r.keeps[firstBool(keep)]
		if !ok {
			r.fail(&artifact.ConversionError{Layer: a.LayerName, Op: string(OpAttention), Reason: "mask was not produced by a recorded operation"})
		}
		in = append(in, id)
	}
	s := Step{Op: OpAttention, In: in, Layer: a.LayerName, Heads: a.NumHeads(), HeadDim: a.HeadDim}
	return r.emit(s, r.eager.Attention(q, k, v, a, keep))
}

func (r *Recorder) Activation(x tensor.Mat, act model.Activation) tensor.Mat {
	s := Step{Op: OpActivation, In: r.in(OpActivation, x), Act: act.String()}
	return r.emit(s, r.eager.Activation(x, act))
}

func (r *Recorder) CLS(x tensor.Mat) tensor.Mat {
	return r.emit(Step{Op: OpCLS, In: r.in(OpCLS, x)}, r.eager.CLS(x))
}

func (r *Recorder) KeepMask(mask []int64) []bool {
	id, ok := r.ints[firstInt(mask)]
	if !ok || len(mask) == 0 {
		r.fail(&artifact.ConversionError{Op: string(OpKeepMask), Reason: "mask is not a program input"})
	}
	keep := r.eager.KeepMask(mask)
	s := Step{Op: OpKeepMask, In: []int{id}, Out: r.next}
	r.next++
	r.steps = append(r.steps, s)
	if len(keep) > 0 {
		r.keeps[&keep[0]] = s.Out
	}
	return keep
}

func firstInt(s []int64) *int64 {
	if len(s) == 0 {
		return nil
	}
	return &s[0]
}

func firstBool(s []bool) *bool {
	if len(s) == 0 {
		return nil
	}
	return &s[0]
}

var _ model.Ops = (*Recorder)(nil)
