package export_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/export"
	"github.com/samcharles93/slimline/internal/graph"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/toy"
	"github.com/samcharles93/slimline/internal/trace"
)

func writeToy(t *testing.T, opts toy.Options) (string, *model.Model) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "base")
	m, err := toy.Write(dir, opts)
	require.NoError(t, err)
	return dir, m
}

func batch(t *testing.T, seqLen int) ([][]int64, [][]int64) {
	t.Helper()
	tok, err := toy.Tokenizer(64)
	require.NoError(t, err)
	var ids, mask [][]int64
	for _, text := range []string{"i loved it !", "the plot was terrible and the acting was bad ."} {
		enc, err := tok.EncodeFixed(text, seqLen)
		require.NoError(t, err)
		ids = append(ids, enc.IDs)
		mask = append(mask, enc.Mask)
	}
	return ids, mask
}

func TestInterchangeMatchesSource(t *testing.T) {
	t.Parallel()
	for _, opts := range []toy.Options{
		{Layers: 2, Heads: 4, Seed: 3},
		{Layers: 3, Heads: 2, Seed: 4, TokenTypes: true},
	} {
		src, m := writeToy(t, opts)
		out := filepath.Join(t.TempDir(), "graph")
		a, err := export.Export(context.Background(), export.Request{
			ModelPath:  src,
			OutputPath: out,
			Method:     export.MethodInterchange,
			SeqLen:     16,
			Workers:    1,
		})
		require.NoError(t, err)
		assert.Equal(t, artifact.StateGraphF32, a.State())
		for _, name := range []string{graph.ModelFile, graph.DataFile, artifact.ConfigFile, "tokenizer.json"} {
			assert.FileExists(t, filepath.Join(out, name))
		}

		gm, err := graph.Load(out)
		require.NoError(t, err)
		s, err := graph.NewSession(gm, 1)
		require.NoError(t, err)

		// Lengths other than the sample's are accepted too.
		for _, seqLen := range []int{16, 24} {
			ids, mask := batch(t, seqLen)
			got, err := export.Run(s, ids, mask)
			require.NoError(t, err)
			want, err := model.Logits(m, ids, mask, 1)
			require.NoError(t, err)
			for b := range want {
				assert.LessOrEqual(t, tensor.MaxAbsDiff(want[b], got[b]), float32(export.Tolerance))
			}
		}
	}
}

func TestTracingMatchesSource(t *testing.T) {
	t.Parallel()
	src, m := writeToy(t, toy.Options{Layers: 2, Heads: 4, Seed: 8})
	out := filepath.Join(t.TempDir(), "traced.mcf")
	a, err := export.Export(context.Background(), export.Request{
		ModelPath:  src,
		OutputPath: out,
		Method:     export.MethodTracing,
		SeqLen:     16,
		Workers:    1,
	})
	require.NoError(t, err)
	assert.Equal(t, artifact.StateTraced, a.State())

	g, err := trace.Load(out)
	require.NoError(t, err)
	assert.True(t, g.Signature.SamplePadded)
	assert.NotEmpty(t, g.Tokenizer)

	ids, mask := batch(t, 16)
	want, err := model.Logits(m, ids, mask, 1)
	require.NoError(t, err)
	for b := range ids {
		got, err := g.Logits(ids[b], mask[b], 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, tensor.MaxAbsDiff(want[b], got), float32(export.Tolerance))
	}
}

func TestExportRejectsOversizedSample(t *testing.T) {
	t.Parallel()
	src, _ := writeToy(t, toy.Options{MaxPos: 32})
	out := filepath.Join(t.TempDir(), "graph")
	_, err := export.Export(context.Background(), export.Request{
		ModelPath:  src,
		OutputPath: out,
		Method:     export.MethodInterchange,
		SeqLen:     48,
	})
	var ce *artifact.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []int{32}, ce.Expected)
	assert.Equal(t, []int{48}, ce.Actual)
	assert.NoDirExists(t, out)
}

func TestExportRejectsGraphInput(t *testing.T) {
	t.Parallel()
	src, _ := writeToy(t, toy.Options{})
	traced := filepath.Join(t.TempDir(), "model.mcf")
	_, err := export.Export(context.Background(), export.Request{ModelPath: src, OutputPath: traced, Method: export.MethodTracing, SeqLen: 8})
	require.NoError(t, err)

	_, err = export.Export(context.Background(), export.Request{ModelPath: traced, OutputPath: filepath.Join(t.TempDir(), "again"), Method: export.MethodInterchange})
	var fe *artifact.FormatMismatchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, artifact.StateTraced, fe.Actual)
}

func TestExportKeepsExistingOutput(t *testing.T) {
	t.Parallel()
	src, _ := writeToy(t, toy.Options{})
	out := filepath.Join(t.TempDir(), "graph")
	require.NoError(t, os.MkdirAll(out, 0o755))

	_, err := export.Export(context.Background(), export.Request{ModelPath: src, OutputPath: out, Method: export.MethodInterchange, SeqLen: 8})
	require.ErrorIs(t, err, artifact.ErrOutputExists)
	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = export.Export(context.Background(), export.Request{ModelPath: src, OutputPath: out, Method: export.MethodInterchange, SeqLen: 8, Overwrite: true})
	require.NoError(t, err)
}

func TestLowerRejectsQuantizedLinear(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Options{})
	q, err := tensor.QuantiseMat(m.Encoder[0].Intermediate.W)
	require.NoError(t, err)
	m.Encoder[0].Intermediate.Q, m.Encoder[0].Intermediate.W = &q, nil

	_, err = export.Lower(m)
	var ce *artifact.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "encoder.layer.0.intermediate.dense", ce.Layer)
}

func TestLowerRejectsUnknownLayerKind(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Options{})
	m.Encoder[1].OutputNorm.Kind = model.OtherKind(99)

	_, err := export.Lower(m)
	var ce *artifact.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "encoder.layer.1.output.LayerNorm", ce.Layer)
}
