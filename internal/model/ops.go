package model

import (
	"github.com/samcharles93/slimline/internal/tensor"
)

// Ops is the set of primitive operations the forward pass is written
// against. Every method returns a freshly allocated value; implementations
// never alias their inputs.
type Ops interface {
	// Embed gathers rows of e for ids, producing [len(ids), width].
	Embed(e *Embedding, ids []int64) tensor.Mat
	Add(a, b tensor.Mat) tensor.Mat
	LayerNorm(x tensor.Mat, n *Other) tensor.Mat
	Linear(x tensor.Mat, l *Linear) tensor.Mat
	// Attention runs self-attention over projected q, k and v. keep is nil
	// when no key position is masked.
	Attention(q, k, v tensor.Mat, a *Attention, keep []bool) tensor.Mat
	Activation(x tensor.Mat, act Activation) tensor.Mat
	// CLS copies the first row of x into a [1, width] matrix.
	CLS(x tensor.Mat) tensor.Mat
	// KeepMask converts an attention mask to key positions that may be
	// attended to.
	KeepMask(mask []int64) []bool
}

// Eager evaluates each operation immediately.
type Eager struct {
	// Workers bounds the goroutines used by dense kernels; 0 uses GOMAXPROCS.
	Workers int
}

func (Eager) Embed(e *Embedding, ids []int64) tensor.Mat {
	out := tensor.NewMat(len(ids), e.Table.C)
	for i, id := range ids {
		copy(out.Row(i), e.Table.Row(int(id)))
	}
	return out
}

func (Eager) Add(a, b tensor.Mat) tensor.Mat {
	if a.R != b.R || a.C != b.C {
		panic("add: shape mismatch")
	}
	out := a.Clone()
	tensor.Add(out.Data, b.Data)
	return out
}

func (Eager) LayerNorm(x tensor.Mat, n *Other) tensor.Mat {
	out := tensor.NewMat(x.R, x.C)
	for i := range x.R {
		tensor.LayerNorm(out.Row(i), x.Row(i), n.Weight, n.Bias, n.Eps)
	}
	return out
}

func (e Eager) Linear(x tensor.Mat, l *Linear) tensor.Mat {
	out := tensor.NewMat(x.R, l.Out())
	if l.Q != nil {
		tensor.LinearInt8(&out, &x, l.Q, l.B, e.Workers)
	} else {
		tensor.LinearPar(&out, &x, l.W, l.B, e.Workers)
	}
	return out
}

func (Eager) Attention(q, k, v tensor.Mat, a *Attention, keep []bool) tensor.Mat {
	out := tensor.NewMat(q.R, q.C)
	tensor.Attention(&out, &q, &k, &v, a.NumHeads(), a.HeadDim, keep)
	return out
}

func (Eager) Activation(x tensor.Mat, act Activation) tensor.Mat {
	out := x.Clone()
	tensor.Apply(out.Data, act.Func())
	return out
}

func (Eager) CLS(x tensor.Mat) tensor.Mat {
	out := tensor.NewMat(1, x.C)
	copy(out.Data, x.Row(0))
	return out
}

func (Eager) KeepMask(mask []int64) []bool {
	keep := make([]bool, len(mask))
	for i, m := range mask {
		keep[i] = m != 0
	}
	return keep
}
