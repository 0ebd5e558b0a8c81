package quantize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/graph"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/pkg/quant"
)

// Suffixes of the initializers added next to each int8 constant.
const (
	ScaleSuffix = "_scale"
	ZeroSuffix  = "_zero_point"
)

type use struct {
	node  int
	input int
}

// rewritable reports whether a node reads the constant at input as a
// quantizable weight under scope.
func rewritable(n *graph.Node, input int, scope Scope) bool {
	if n.Domain != graph.DomainONNX {
		return false
	}
	switch n.OpType {
	case "MatMul":
		return input == 1
	case "Gather":
		return input == 0 && scope == ScopeLinearEmbedding && n.IntAttr("axis", 0) == 0
	}
	return false
}

// QuantizeGraph rewrites g in place. Every MatMul whose right operand is a
// float32 [K, N] constant becomes DynamicQuantizeLinear, MatMulInteger, Cast
// and Mul; under ScopeLinearEmbedding every Gather from a float32 constant
// table becomes a Gather from the int8 table followed by DequantizeLinear.
// A constant is only converted when every node reading it can be rewritten.
// The converted initializers keep their names and positions. At most workers
// constants are quantized at a time.
func QuantizeGraph(ctx context.Context, g *graph.Graph, scope Scope, workers int) ([]string, error) {
	uses := map[string][]use{}
	for i := range g.Nodes {
		for j, in := range g.Nodes[i].Inputs {
			if _, ok := g.Initializer(in); ok {
				uses[in] = append(uses[in], use{i, j})
			}
		}
	}
	outputs := map[string]bool{}
	for _, o := range g.Outputs {
		outputs[o.Name] = true
	}

	var picked []*graph.Tensor
	for _, t := range g.InitializerList() {
		us := uses[t.Name]
		if t.DType != graph.Float || len(t.Dims) != 2 || len(us) == 0 || outputs[t.Name] {
			continue
		}
		if allRewritable(g, us, scope) {
			picked = append(picked, t)
		}
	}

	qs := make([]quant.QuantTensor, len(picked))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(workers, 1))
	for i, t := range picked {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			q, err := quant.AffineInt8{}.Quantise(t.F32)
			if err != nil {
				return &artifact.ConversionError{Layer: t.Name, Op: "quantize", Reason: err.Error()}
			}
			qs[i] = q
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var names []string
	rewrite := map[int]bool{}
	for i, t := range picked {
		q := qs[i]
		g.SetInitializer(graph.Int8Tensor(t.Name, t.Dims, q.Data))
		g.SetInitializer(graph.FloatTensor(t.Name+ScaleSuffix, nil, []float32{q.Scales[0]}))
		g.SetInitializer(graph.Int8Tensor(t.Name+ZeroSuffix, nil, []int8{q.Zeroes[0]}))
		names = append(names, t.Name)
		for _, u := range uses[t.Name] {
			rewrite[u.node] = true
		}
	}
	if len(names) == 0 {
		return nil, nil
	}

	nodes := make([]graph.Node, 0, len(g.Nodes)+4*len(rewrite))
	for i, n := range g.Nodes {
		if !rewrite[i] {
			nodes = append(nodes, n)
			continue
		}
		switch n.OpType {
		case "MatMul":
			nodes = append(nodes, integerMatMul(n)...)
		case "Gather":
			nodes = append(nodes, dequantizedGather(n)...)
		}
	}
	g.Nodes = nodes
	return names, nil
}

func allRewritable(g *graph.Graph, us []use, scope Scope) bool {
	for _, u := range us {
		if !rewritable(&g.Nodes[u.node], u.input, scope) {
			return false
		}
	}
	return true
}

func integerMatMul(n graph.Node) []graph.Node {
	x, w := n.Inputs[0], n.Inputs[1]
	out := n.Outputs[0]
	p := n.Name + "/quant"
	return []graph.Node{
		{Name: p + "/DynamicQuantizeLinear", OpType: "DynamicQuantizeLinear", Inputs: []string{x}, Outputs: []string{p + "/x:0", p + "/x_scale:0", p + "/x_zero_point:0"}},
		{Name: p + "/MatMulInteger", OpType: "MatMulInteger", Inputs: []string{p + "/x:0", w, p + "/x_zero_point:0", w + ZeroSuffix}, Outputs: []string{p + "/acc:0"}},
		{Name: p + "/Cast", OpType: "Cast", Inputs: []string{p + "/acc:0"}, Outputs: []string{p + "/acc_f32:0"}, Attrs: []graph.Attribute{graph.IntAttr("to", int64(graph.Float))}},
		{Name: p + "/Scale", OpType: "Mul", Inputs: []string{p + "/x_scale:0", w + ScaleSuffix}, Outputs: []string{p + "/scale:0"}},
		{Name: p + "/Mul", OpType: "Mul", Inputs: []string{p + "/acc_f32:0", p + "/scale:0"}, Outputs: []string{out}},
	}
}

func dequantizedGather(n graph.Node) []graph.Node {
	table := n.Inputs[0]
	out := n.Outputs[0]
	p := n.Name + "/quant"
	gather := n
	gather.Outputs = []string{p + "/rows:0"}
	return []graph.Node{
		gather,
		{Name: p + "/DequantizeLinear", OpType: "DequantizeLinear", Inputs: []string{p + "/rows:0", table + ScaleSuffix, table + ZeroSuffix}, Outputs: []string{out}},
	}
}

func quantizeGraph(ctx context.Context, spec Spec, input artifact.ModelArtifact, outputPath string, o options) ([]string, error) {
	gm, err := graph.Load(input.Path)
	if err != nil {
		return nil, artifact.Persist("load graph", input.Path, err)
	}
	names, err := QuantizeGraph(ctx, gm.Graph, spec.Scope, o.workers)
	if err != nil || len(names) == 0 {
		return nil, err
	}
	if gm.Metadata == nil {
		gm.Metadata = map[string]string{}
	}
	gm.Metadata["quantization"] = fmt.Sprintf("%s-int8 %s", spec.Mode, spec.Scope)

	cfg, err := model.LoadConfig(input.Path)
	if err != nil {
		return nil, err
	}
	cfg.QuantizationConfig = spec.config()
	raw, err := cfg.MarshalJSON()
	if err != nil {
		return nil, artifact.Persist("quantize config", input.Path, err)
	}

	st, err := artifact.StageDir(outputPath, o.overwrite)
	if err != nil {
		return nil, err
	}
	defer st.Abort()
	if err := graph.Save(st.Temp, gm); err != nil {
		return nil, artifact.Persist("save graph", outputPath, err)
	}
	files, err := artifact.Files(input.Path)
	if err != nil {
		return nil, artifact.Persist("quantize", input.Path, err)
	}
	for _, f := range files {
		if slices.Contains([]string{graph.ModelFile, graph.DataFile, artifact.ConfigFile}, f) {
			continue
		}
		dst := st.Path(f)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, artifact.Persist("quantize", dst, err)
		}
		if err := artifact.CopyFile(filepath.Join(input.Path, f), dst); err != nil {
			return nil, artifact.Persist("quantize", f, err)
		}
	}
	if err := os.WriteFile(st.Path(artifact.ConfigFile), append(raw, '\n'), 0o644); err != nil {
		return nil, artifact.Persist("quantize config", outputPath, err)
	}
	if err := copyTokenizer(input.Path, st.Temp, o); err != nil {
		return nil, err
	}
	return names, st.Commit()
}
