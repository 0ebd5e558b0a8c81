package quantize_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/export"
	"github.com/samcharles93/slimline/internal/graph"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/quantize"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/toy"
)

var (
	native = quantize.Spec{Backend: quantize.BackendNative{}, Scope: quantize.ScopeLinear}
	graphQ = quantize.Spec{Backend: quantize.BackendInterchangeGraph{}, Scope: quantize.ScopeLinearEmbedding}
)

func writeToy(t *testing.T, opts toy.Options) (artifact.ModelArtifact, *model.Model) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "base")
	m, err := toy.Write(dir, opts)
	require.NoError(t, err)
	a, err := artifact.Detect(dir)
	require.NoError(t, err)
	return a, m
}

func sample(t *testing.T) ([][]int64, [][]int64) {
	t.Helper()
	tok, err := toy.Tokenizer(64)
	require.NoError(t, err)
	var ids, mask [][]int64
	for _, text := range []string{"it was great !", "i hated the plot but loved the acting ."} {
		enc, err := tok.EncodeFixed(text, 16)
		require.NoError(t, err)
		ids = append(ids, enc.IDs)
		mask = append(mask, enc.Mask)
	}
	return ids, mask
}

func TestNativeQuantizesLinearsOnly(t *testing.T) {
	t.Parallel()
	src, m := writeToy(t, toy.Options{Layers: 2, Seed: 2})
	out := filepath.Join(t.TempDir(), "int8")

	res, err := quantize.Quantize(context.Background(), native, src, out)
	require.NoError(t, err)
	assert.False(t, res.NoOp)
	assert.Equal(t, artifact.StateNativeI8, res.Artifact.State())
	assert.Len(t, res.Tensors, 2*6+2)
	assert.Less(t, res.OutputBytes, res.SourceBytes)
	assert.FileExists(t, filepath.Join(out, "tokenizer.json"))

	q, err := model.Load(out)
	require.NoError(t, err)
	assert.True(t, q.Quantized())
	assert.Equal(t, m.WordEmbeddings.Table.Data, q.WordEmbeddings.Table.Data)
	assert.Equal(t, m.EmbeddingNorm.Weight, q.EmbeddingNorm.Weight)
	assert.Equal(t, "dynamic", q.Config.QuantizationConfig.QuantMethod)

	ids, mask := sample(t)
	want, err := model.Logits(m, ids, mask, 1)
	require.NoError(t, err)
	got, err := model.Logits(q, ids, mask, 1)
	require.NoError(t, err)
	for b := range want {
		assert.LessOrEqual(t, tensor.MaxAbsDiff(want[b], got[b]), float32(0.1))
	}
}

func TestQuantizeInt8IsNoOpCopy(t *testing.T) {
	t.Parallel()
	src, _ := writeToy(t, toy.Options{})
	first := filepath.Join(t.TempDir(), "int8")
	res, err := quantize.Quantize(context.Background(), native, src, first)
	require.NoError(t, err)

	second := filepath.Join(t.TempDir(), "again")
	again, err := quantize.Quantize(context.Background(), native, res.Artifact, second)
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Empty(t, again.Tensors)

	a, err := artifact.Digest(first)
	require.NoError(t, err)
	b, err := artifact.Digest(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestQuantizeWorkersProduceIdenticalOutput(t *testing.T) {
	t.Parallel()
	src, _ := writeToy(t, toy.Options{Layers: 2, Seed: 9})
	exported := filepath.Join(t.TempDir(), "graph")
	g, err := export.Export(context.Background(), export.Request{ModelPath: src.Path, OutputPath: exported, Method: export.MethodInterchange, SeqLen: 8})
	require.NoError(t, err)

	for _, tc := range []struct {
		name  string
		spec  quantize.Spec
		input artifact.ModelArtifact
	}{
		{"native", native, src},
		{"graph", graphQ, g},
	} {
		t.Run(tc.name, func(t *testing.T) {
			serial := filepath.Join(t.TempDir(), "serial")
			one, err := quantize.Quantize(context.Background(), tc.spec, tc.input, serial, quantize.WithWorkers(1))
			require.NoError(t, err)
			parallel := filepath.Join(t.TempDir(), "parallel")
			four, err := quantize.Quantize(context.Background(), tc.spec, tc.input, parallel, quantize.WithWorkers(4))
			require.NoError(t, err)

			assert.NotEmpty(t, one.Tensors)
			assert.Equal(t, one.Tensors, four.Tensors)
			a, err := artifact.Digest(serial)
			require.NoError(t, err)
			b, err := artifact.Digest(parallel)
			require.NoError(t, err)
			assert.Equal(t, a, b)
		})
	}
}

func TestQuantizeModelStopsOnCancel(t *testing.T) {
	t.Parallel()
	_, m := writeToy(t, toy.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := quantize.QuantizeModel(ctx, m, 2)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, m.Quantized())
}

func TestGraphQuantizesLinearAndEmbedding(t *testing.T) {
	t.Parallel()
	src, m := writeToy(t, toy.Options{Hidden: 64, Layers: 2, Heads: 4, Seed: 6})
	exported := filepath.Join(t.TempDir(), "graph")
	g, err := export.Export(context.Background(), export.Request{ModelPath: src.Path, OutputPath: exported, Method: export.MethodInterchange, SeqLen: 16})
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "graph-int8")
	res, err := quantize.Quantize(context.Background(), graphQ, g, out)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateGraphI8, res.Artifact.State())
	assert.Contains(t, res.Tensors, "embeddings.word_embeddings.weight")
	assert.Contains(t, res.Tensors, "classifier.weight")
	assert.Less(t, res.OutputBytes, res.SourceBytes)

	before, err := graph.Load(exported)
	require.NoError(t, err)
	after, err := graph.Load(out)
	require.NoError(t, err)
	w, ok := after.Graph.Initializer("embeddings.word_embeddings.weight")
	require.True(t, ok)
	assert.Equal(t, graph.Int8, w.DType)
	// Almost every parameter is a matrix, so the weights shrink close to 4x.
	assert.Greater(t, float64(before.WeightBytes())/float64(after.WeightBytes()), 3.5)

	s, err := graph.NewSession(after, 1)
	require.NoError(t, err)
	ids, mask := sample(t)
	got, err := export.Run(s, ids, mask)
	require.NoError(t, err)
	want, err := model.Logits(m, ids, mask, 1)
	require.NoError(t, err)
	for b := range want {
		assert.LessOrEqual(t, tensor.MaxAbsDiff(want[b], got[b]), float32(0.1))
	}
}

func TestGraphLinearScopeKeepsEmbeddings(t *testing.T) {
	t.Parallel()
	src, _ := writeToy(t, toy.Options{})
	exported := filepath.Join(t.TempDir(), "graph")
	g, err := export.Export(context.Background(), export.Request{ModelPath: src.Path, OutputPath: exported, Method: export.MethodInterchange, SeqLen: 8})
	require.NoError(t, err)

	spec := quantize.Spec{Backend: quantize.BackendInterchangeGraph{}, Scope: quantize.ScopeLinear}
	res, err := quantize.Quantize(context.Background(), spec, g, filepath.Join(t.TempDir(), "q"))
	require.NoError(t, err)
	assert.NotContains(t, res.Tensors, "embeddings.word_embeddings.weight")
	assert.Contains(t, res.Tensors, "pooler.dense.weight")
}

func TestQuantizeRejectsWrongInput(t *testing.T) {
	t.Parallel()
	src, _ := writeToy(t, toy.Options{})
	out := filepath.Join(t.TempDir(), "q")

	_, err := quantize.Quantize(context.Background(), graphQ, src, out)
	var fe *artifact.FormatMismatchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, artifact.StateNativeF32, fe.Actual)
	assert.NoDirExists(t, out)

	bad := quantize.Spec{Backend: quantize.BackendNative{}, Scope: quantize.ScopeLinearEmbedding}
	_, err = quantize.Quantize(context.Background(), bad, src, out)
	require.ErrorIs(t, err, artifact.ErrInvalidSpec)

	_, err = quantize.Quantize(context.Background(), native, src, filepath.Join(src.Path, "int8"))
	require.ErrorIs(t, err, artifact.ErrOutputOverlapsInput)
	assert.NoDirExists(t, filepath.Join(src.Path, "int8"))
}

func TestParseModeRejectsStatic(t *testing.T) {
	t.Parallel()
	_, err := quantize.ParseMode("static")
	require.ErrorIs(t, err, artifact.ErrInvalidSpec)

	m, err := quantize.ParseMode("dynamic")
	require.NoError(t, err)
	assert.Equal(t, quantize.ModeDynamic, m)

	b, err := quantize.ParseBackend("interchange-graph")
	require.NoError(t, err)
	assert.Equal(t, quantize.BackendInterchangeGraph{}, b)
}

func TestQuantizeGraphSkipsSharedConstants(t *testing.T) {
	t.Parallel()
	g := graph.NewGraph("shared")
	g.Inputs = []graph.ValueInfo{{Name: "x", DType: graph.Float}}
	g.Outputs = []graph.ValueInfo{{Name: "z", DType: graph.Float}}
	g.SetInitializer(graph.FloatTensor("w", []int64{2, 2}, []float32{1, 2, 3, 4}))
	g.SetInitializer(graph.FloatTensor("v", []int64{2, 2}, []float32{1, 0, 0, 1}))
	g.Nodes = []graph.Node{
		{Name: "mm", OpType: "MatMul", Inputs: []string{"x", "w"}, Outputs: []string{"y"}},
		{Name: "add", OpType: "Add", Inputs: []string{"y", "w"}, Outputs: []string{"y2"}},
		{Name: "mm2", OpType: "MatMul", Inputs: []string{"y2", "v"}, Outputs: []string{"z"}},
	}
	names, err := quantize.QuantizeGraph(context.Background(), g, quantize.ScopeLinear, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"v"}, names)

	w, _ := g.Initializer("w")
	assert.Equal(t, graph.Float, w.DType)
	require.NoError(t, (&graph.Model{Graph: g}).Validate())
	_, err = graph.NewSession(&graph.Model{Graph: g}, 1)
	require.NoError(t, err)
}
