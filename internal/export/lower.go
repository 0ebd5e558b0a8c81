package export

import (
	"fmt"
	"strconv"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/graph"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/version"
)

// Interchange graph signature.
const (
	InputIDs      = "input_ids"
	AttentionMask = "attention_mask"
	OutputLogits  = "logits"
)

// Opset versions the lowered graph depends on.
const (
	IRVersion      = 9
	OpsetONNX      = 20
	OpsetMicrosoft = 1
)

const (
	constZero = "const.zero"
	constOne  = "const.one"
	maskInt32 = "attention_mask.int32"
)

// role is the position a layer holds in the encoder, which decides its
// lowering rule.
type role int

const (
	roleWord role = iota + 1
	rolePosition
	roleTokenType
	roleEmbeddingNorm
	roleAttention
	roleAttentionNorm
	roleIntermediate
	roleFeedForward
	roleOutputNorm
	rolePooler
	roleClassifier
)

// lowerer walks a model in execution order and emits the equivalent nodes.
// It keeps the running hidden state and the residual branch between layers.
type lowerer struct {
	m     *model.Model
	g     *graph.Graph
	roles map[model.Layer]role
	act   model.Activation

	x        string
	residual string
	n        int
}

// Lower converts m into an interchange model taking [batch, sequence]
// input_ids and attention_mask and producing [batch, labels] logits.
func Lower(m *model.Model) (*graph.Model, error) {
	lw := &lowerer{
		m:     m,
		g:     graph.NewGraph("sequence_classifier"),
		roles: roles(m),
		act:   m.Activation(),
	}
	g := lw.g
	dims := []graph.Dim{{Param: "batch"}, {Param: "sequence"}}
	g.Inputs = []graph.ValueInfo{
		{Name: InputIDs, DType: graph.Int64, Shape: dims},
		{Name: AttentionMask, DType: graph.Int64, Shape: dims},
	}
	g.Outputs = []graph.ValueInfo{{
		Name:  OutputLogits,
		DType: graph.Float,
		Shape: []graph.Dim{{Param: "batch"}, {Value: int64(m.Config.Labels())}},
	}}
	g.SetInitializer(graph.Int64Tensor(constZero, nil, []int64{0}))
	g.SetInitializer(graph.Int64Tensor(constOne, nil, []int64{1}))
	lw.node("mask/Cast", "Cast", []string{AttentionMask}, []string{maskInt32}, graph.IntAttr("to", int64(graph.Int32)))

	if err := model.Walk(m, lw); err != nil {
		return nil, err
	}
	if lw.x != OutputLogits {
		return nil, &artifact.ConversionError{Layer: "classifier", Reason: "graph does not end in the classifier"}
	}
	return &graph.Model{
		IRVersion:       IRVersion,
		ProducerName:    "slimline",
		ProducerVersion: version.String(),
		Opsets: []graph.OpsetImport{
			{Domain: graph.DomainONNX, Version: OpsetONNX},
			{Domain: graph.DomainMicrosoft, Version: OpsetMicrosoft},
		},
		Metadata: map[string]string{
			"model_type":              m.Config.ModelType,
			"num_labels":              strconv.Itoa(m.Config.Labels()),
			"max_position_embeddings": strconv.Itoa(m.Config.MaxPositionEmbeddings),
		},
		Graph: g,
	}, nil
}

func roles(m *model.Model) map[model.Layer]role {
	r := map[model.Layer]role{
		m.WordEmbeddings:     roleWord,
		m.PositionEmbeddings: rolePosition,
		m.EmbeddingNorm:      roleEmbeddingNorm,
		m.Pooler:             rolePooler,
		m.Classifier:         roleClassifier,
	}
	if m.TokenTypeEmbeddings != nil {
		r[m.TokenTypeEmbeddings] = roleTokenType
	}
	for _, l := range m.Encoder {
		r[l.Attention] = roleAttention
		r[l.AttentionNorm] = roleAttentionNorm
		r[l.Intermediate] = roleIntermediate
		r[l.Output] = roleFeedForward
		r[l.OutputNorm] = roleOutputNorm
	}
	return r
}

func (lw *lowerer) role(l model.Layer) (role, error) {
	r, ok := lw.roles[l]
	if !ok {
		return 0, &artifact.ConversionError{Layer: l.Name(), Reason: "no lowering rule for layer"}
	}
	return r, nil
}

func (lw *lowerer) node(name, op string, in, out []string, attrs ...graph.Attribute) {
	lw.g.Nodes = append(lw.g.Nodes, graph.Node{Name: name, OpType: op, Inputs: in, Outputs: out, Attrs: attrs})
}

// value emits a single-output default-domain node and returns the output
// name.
func (lw *lowerer) value(layer, op string, in []string, attrs ...graph.Attribute) string {
	return lw.valueIn(graph.DomainONNX, layer, op, in, attrs...)
}

func (lw *lowerer) valueIn(domain, layer, op string, in []string, attrs ...graph.Attribute) string {
	lw.n++
	name := fmt.Sprintf("%s/%s_%d", layer, op, lw.n)
	lw.g.Nodes = append(lw.g.Nodes, graph.Node{
		Name:    name,
		OpType:  op,
		Domain:  domain,
		Inputs:  in,
		Outputs: []string{name + ":0"},
		Attrs:   attrs,
	})
	return name + ":0"
}

func (lw *lowerer) linear(x string, l *model.Linear) (string, error) {
	if l.Quantized() {
		return "", &artifact.ConversionError{Layer: l.LayerName, Op: "MatMul", Reason: "int8 weights cannot be lowered; export before quantizing"}
	}
	w := l.W.Transpose()
	weight := l.LayerName + ".weight"
	bias := l.LayerName + ".bias"
	lw.g.SetInitializer(graph.FloatTensor(weight, []int64{int64(w.R), int64(w.C)}, w.Data))
	lw.g.SetInitializer(graph.FloatTensor(bias, []int64{int64(len(l.B))}, l.B))
	h := lw.value(l.LayerName, "MatMul", []string{x, weight})
	return lw.value(l.LayerName, "Add", []string{h, bias}), nil
}

func (lw *lowerer) table(e *model.Embedding) string {
	name := e.LayerName + ".weight"
	lw.g.SetInitializer(graph.FloatTensor(name, []int64{int64(e.Table.R), int64(e.Table.C)}, e.Table.Data))
	return name
}

func (lw *lowerer) VisitEmbedding(e *model.Embedding) error {
	r, err := lw.role(e)
	if err != nil {
		return err
	}
	switch r {
	case roleWord:
		lw.x = lw.value(e.LayerName, "Gather", []string{lw.table(e), InputIDs})
	case rolePosition:
		shape := lw.value(e.LayerName, "Shape", []string{InputIDs})
		seq := lw.value(e.LayerName, "Gather", []string{shape, constOne})
		pos := lw.value(e.LayerName, "Range", []string{constZero, seq, constOne})
		emb := lw.value(e.LayerName, "Gather", []string{lw.table(e), pos})
		lw.x = lw.value(e.LayerName, "Add", []string{lw.x, emb})
	case roleTokenType:
		// Every position uses token type 0.
		row := lw.value(e.LayerName, "Gather", []string{lw.table(e), constZero})
		lw.x = lw.value(e.LayerName, "Add", []string{lw.x, row})
	default:
		return &artifact.ConversionError{Layer: e.LayerName, Reason: "embedding in an unexpected position"}
	}
	return nil
}

func (lw *lowerer) VisitOther(o *model.Other) error {
	r, err := lw.role(o)
	if err != nil {
		return err
	}
	if o.Kind != model.OtherLayerNorm {
		return &artifact.ConversionError{Layer: o.LayerName, Reason: "no lowering rule for layer kind"}
	}
	scale, bias := o.LayerName+".weight", o.LayerName+".bias"
	lw.g.SetInitializer(graph.FloatTensor(scale, []int64{int64(len(o.Weight))}, o.Weight))
	lw.g.SetInitializer(graph.FloatTensor(bias, []int64{int64(len(o.Bias))}, o.Bias))
	lw.x = lw.value(o.LayerName, "LayerNormalization", []string{lw.x, scale, bias},
		graph.IntAttr("axis", -1), graph.FloatAttr("epsilon", o.Eps))
	if r == roleAttentionNorm {
		lw.residual = lw.x
	}
	return nil
}

func (lw *lowerer) VisitAttention(a *model.Attention) error {
	if _, err := lw.role(a); err != nil {
		return err
	}
	lw.residual = lw.x
	var qkv [3]string
	for i, l := range []*model.Linear{a.Query, a.Key, a.Value} {
		v, err := lw.linear(lw.x, l)
		if err != nil {
			return err
		}
		qkv[i] = v
	}
	ctx := lw.valueIn(graph.DomainMicrosoft, a.LayerName, "MultiHeadAttention",
		[]string{qkv[0], qkv[1], qkv[2], "", maskInt32},
		graph.IntAttr("num_heads", int64(a.NumHeads())),
		graph.FloatAttr("mask_filter_value", tensor.MaskFilterValue),
	)
	h, err := lw.linear(ctx, a.Output)
	if err != nil {
		return err
	}
	lw.x = lw.value(a.LayerName, "Add", []string{h, lw.residual})
	return nil
}

func (lw *lowerer) VisitLinear(l *model.Linear) error {
	r, err := lw.role(l)
	if err != nil {
		return err
	}
	switch r {
	case roleIntermediate:
		h, err := lw.linear(lw.x, l)
		if err != nil {
			return err
		}
		lw.x = lw.activation(l.LayerName, h, lw.act)
	case roleFeedForward:
		h, err := lw.linear(lw.x, l)
		if err != nil {
			return err
		}
		lw.x = lw.value(l.LayerName, "Add", []string{h, lw.residual})
	case rolePooler:
		cls := lw.value(l.LayerName, "Gather", []string{lw.x, constZero}, graph.IntAttr("axis", 1))
		h, err := lw.linear(cls, l)
		if err != nil {
			return err
		}
		lw.x = lw.activation(l.LayerName, h, model.ActTanh)
	case roleClassifier:
		if _, err := lw.linear(lw.x, l); err != nil {
			return err
		}
		// The bias Add produces the declared output directly.
		lw.g.Nodes[len(lw.g.Nodes)-1].Outputs[0] = OutputLogits
		lw.x = OutputLogits
	default:
		return &artifact.ConversionError{Layer: l.LayerName, Reason: "linear in an unexpected position"}
	}
	return nil
}

func (lw *lowerer) activation(layer, x string, act model.Activation) string {
	switch act {
	case model.ActRelu:
		return lw.value(layer, "Relu", []string{x})
	case model.ActTanh:
		return lw.value(layer, "Tanh", []string{x})
	default:
		return lw.value(layer, "Gelu", []string{x})
	}
}
