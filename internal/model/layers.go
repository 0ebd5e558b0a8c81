package model

import (
	"fmt"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/tensor"
)

// Layer is one of the closed set of layer kinds: *Linear, *Embedding,
// *Attention or *Other. Transformations dispatch through Accept, so adding a
// kind means adding a Visitor method and every visitor fails to compile
// until it handles it.
type Layer interface {
	Name() string
	Accept(v Visitor) error
	layer()
}

// Visitor handles each layer kind.
type Visitor interface {
	VisitLinear(*Linear) error
	VisitEmbedding(*Embedding) error
	VisitAttention(*Attention) error
	VisitOther(*Other) error
}

// Linear is a dense projection y = x*Wᵀ + b with W laid out [out, in].
// Exactly one of W or Q holds the weight.
type Linear struct {
	LayerName string
	W         *tensor.Mat
	Q         *tensor.QMat
	B         []float32
}

func (l *Linear) Name() string           { return l.LayerName }
func (l *Linear) Accept(v Visitor) error { return v.VisitLinear(l) }
func (*Linear) layer()                   {}
func (l *Linear) Quantized() bool        { return l.Q != nil }
func (l *Linear) String() string {
	return fmt.Sprintf("Linear(%s %dx%d)", l.LayerName, l.Out(), l.In())
}

// In is the input width.
func (l *Linear) In() int {
	if l.Q != nil {
		return l.Q.C
	}
	return l.W.C
}

// Out is the output width.
func (l *Linear) Out() int {
	if l.Q != nil {
		return l.Q.R
	}
	return l.W.R
}

// Weight returns the float32 weight, dequantising if needed.
func (l *Linear) Weight() tensor.Mat {
	if l.Q != nil {
		return l.Q.Dequantise()
	}
	return *l.W
}

// Embedding is a lookup table indexed by row.
type Embedding struct {
	LayerName string
	Table     tensor.Mat
}

func (e *Embedding) Name() string           { return e.LayerName }
func (e *Embedding) Accept(v Visitor) error { return v.VisitEmbedding(e) }
func (*Embedding) layer()                   {}

// Attention is multi-head self-attention. Heads holds the original indices
// of the heads still present, in order; pruning shrinks it.
type Attention struct {
	LayerName string
	Index     int
	Query     *Linear
	Key       *Linear
	Value     *Linear
	Output    *Linear
	Heads     []int
	HeadDim   int
}

func (a *Attention) Name() string           { return a.LayerName }
func (a *Attention) Accept(v Visitor) error { return v.VisitAttention(a) }
func (*Attention) layer()                   {}

// NumHeads is the number of heads currently present.
func (a *Attention) NumHeads() int { return len(a.Heads) }

// Projections returns the four dense projections of the block.
func (a *Attention) Projections() []*Linear {
	return []*Linear{a.Query, a.Key, a.Value, a.Output}
}

// OtherKind names the operation an Other layer performs.
type OtherKind int

const (
	OtherLayerNorm OtherKind = iota
)

// Other covers parameterised layers that no transformation rewrites.
type Other struct {
	LayerName string
	Kind      OtherKind
	Weight    []float32
	Bias      []float32
	Eps       float32
}

func (o *Other) Name() string           { return o.LayerName }
func (o *Other) Accept(v Visitor) error { return v.VisitOther(o) }
func (*Other) layer()                   {}

// Activation is a pointwise nonlinearity.
type Activation int

const (
	ActGelu Activation = iota
	ActRelu
	ActTanh
)

var activationNames = []string{"gelu", "relu", "tanh"}

func (a Activation) String() string { return activationNames[a] }

// Func returns the scalar function for a.
func (a Activation) Func() func(float32) float32 {
	switch a {
	case ActRelu:
		return tensor.Relu
	case ActTanh:
		return tensor.Tanh
	default:
		return tensor.Gelu
	}
}

// ParseActivation maps a hidden_act value to an Activation.
func ParseActivation(s string) (Activation, error) {
	i, err := artifact.ParseChoice("hidden_act", s, activationNames)
	return Activation(i), err
}

// LinearVisitor adapts a function over linears into a Visitor that reaches
// every Linear, including the projections inside attention blocks.
type LinearVisitor func(*Linear) error

func (f LinearVisitor) VisitLinear(l *Linear) error   { return f(l) }
func (LinearVisitor) VisitEmbedding(*Embedding) error { return nil }
func (LinearVisitor) VisitOther(*Other) error         { return nil }

func (f LinearVisitor) VisitAttention(a *Attention) error {
	for _, l := range a.Projections() {
		if err := f(l); err != nil {
			return err
		}
	}
	return nil
}
