// Package trace records the operations a forward pass executes on one sample
// and replays them as a frozen program.
package trace

import (
	"fmt"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
)

// Op names a recorded operation.
type Op string

const (
	OpEmbed      Op = "embed"
	OpAdd        Op = "add"
	OpLayerNorm  Op = "layer_norm"
	OpLinear     Op = "linear"
	OpAttention  Op = "attention"
	OpActivation Op = "activation"
	OpCLS        Op = "cls"
	OpKeepMask   Op = "keep_mask"
)

// Value ids of the two program inputs. Step outputs are numbered after them.
const (
	InputIDs  = 0
	InputMask = 1
)

// Step is one recorded operation. In holds value ids; Layer names the
// parameters the step reads.
type Step struct {
	Op      Op      `json:"op"`
	In      []int   `json:"in,omitempty"`
	Out     int     `json:"out"`
	Layer   string  `json:"layer,omitempty"`
	Literal []int64 `json:"literal,omitempty"`
	Heads   int     `json:"heads,omitempty"`
	HeadDim int     `json:"head_dim,omitempty"`
	Act     string  `json:"act,omitempty"`
	Eps     float32 `json:"eps,omitempty"`
}

// Program is a straight-line step list over a fixed sequence length.
type Program struct {
	SeqLen int    `json:"seq_len"`
	Labels int    `json:"labels"`
	Steps  []Step `json:"steps"`
	Output int    `json:"output"`
}

// Params resolves the tensors a program reads, by tensor name.
type Params map[string]tensor.Mat

func (p Params) mat(name string) (tensor.Mat, error) {
	m, ok := p[name]
	if !ok {
		return tensor.Mat{}, fmt.Errorf("trace: missing tensor %s", name)
	}
	return m, nil
}

func (p Params) vec(name string) ([]float32, error) {
	m, err := p.mat(name)
	return m.Data, err
}

// value is one slot of the replay environment.
type value struct {
	mat  tensor.Mat
	ints []int64
	keep []bool
}

// Run replays the program on one sequence and returns its logits.
func (p *Program) Run(params Params, ids, mask []int64, workers int) ([]float32, error) {
	if len(ids) != p.SeqLen || len(mask) != p.SeqLen {
		return nil, &artifact.ConversionError{
			Op:       "input",
			Reason:   "traced graph replays only the traced sequence length",
			Expected: []int{p.SeqLen},
			Actual:   []int{len(ids)},
		}
	}
	ops := model.Eager{Workers: workers}
	env := make([]value, p.Output+1)
	env[InputIDs] = value{ints: ids}
	env[InputMask] = value{ints: mask}
	arg := func(s Step, i int) (value, error) {
		if i >= len(s.In) || s.In[i] < 0 || s.In[i] >= s.Out {
			return value{}, fmt.Errorf("trace: step %s#%d has bad input %d", s.Op, s.Out, i)
		}
		return env[s.In[i]], nil
	}

	for _, s := range p.Steps {
		if s.Out < 2 || s.Out >= len(env) {
			return nil, fmt.Errorf("trace: step %s has output %d outside program", s.Op, s.Out)
		}
		var out value
		switch s.Op {
		case OpEmbed:
			table, err := params.mat(s.Layer + ".weight")
			if err != nil {
				return nil, err
			}
			src := s.Literal
			if src == nil {
				v, err := arg(s, 0)
				if err != nil {
					return nil, err
				}
				src = v.ints
			}
			for _, id := range src {
				if id < 0 || id >= int64(table.R) {
					return nil, &artifact.ConversionError{Layer: s.Layer, Op: string(s.Op), Reason: fmt.Sprintf("index %d outside table of %d rows", id, table.R)}
				}
			}
			out.mat = ops.Embed(&model.Embedding{LayerName: s.Layer, Table: table}, src)
		case OpAdd:
			a, err := arg(s, 0)
			if err != nil {
				return nil, err
			}
			b, err := arg(s, 1)
			if err != nil {
				return nil, err
			}
			out.mat = ops.Add(a.mat, b.mat)
		case OpLayerNorm:
			x, err := arg(s, 0)
			if err != nil {
				return nil, err
			}
			w, err := params.vec(s.Layer + ".weight")
			if err != nil {
				return nil, err
			}
			b, err := params.vec(s.Layer + ".bias")
			if err != nil {
				return nil, err
			}
			out.mat = ops.LayerNorm(x.mat, &model.Other{LayerName: s.Layer, Weight: w, Bias: b, Eps: s.Eps})
		case OpLinear:
			x, err := arg(s, 0)
			if err != nil {
				return nil, err
			}
			w, err := params.mat(s.Layer + ".weight")
			if err != nil {
				return nil, err
			}
			b, err := params.vec(s.Layer + ".bias")
			if err != nil {
				return nil, err
			}
			out.mat = ops.Linear(x.mat, &model.Linear{LayerName: s.Layer, W: &w, B: b})
		case OpAttention:
			var qkv [3]value
			for i := range qkv {
				v, err := arg(s, i)
				if err != nil {
					return nil, err
				}
				qkv[i] = v
			}
			var keep []bool
			if len(s.In) > 3 {
				v, err := arg(s, 3)
				if err != nil {
					return nil, err
				}
				keep = v.keep
			}
			a := &model.Attention{LayerName: s.Layer, Heads: make([]int, s.Heads), HeadDim: s.HeadDim}
			out.mat = ops.Attention(qkv[0].mat, qkv[1].mat, qkv[2].mat, a, keep)
		case OpActivation:
			x, err := arg(s, 0)
			if err != nil {
				return nil, err
			}
			act, err := model.ParseActivation(s.Act)
			if err != nil {
				return nil, err
			}
			out.mat = ops.Activation(x.mat, act)
		case OpCLS:
			x, err := arg(s, 0)
			if err != nil {
				return nil, err
			}
			out.mat = ops.CLS(x.mat)
		case OpKeepMask:
			m, err := arg(s, 0)
			if err != nil {
				return nil, err
			}
			out.keep = ops.KeepMask(m.ints)
		default:
			return nil, &artifact.ConversionError{Op: string(s.Op), Reason: "unknown traced operation"}
		}
		env[s.Out] = out
	}
	return env[p.Output].mat.Data, nil
}
