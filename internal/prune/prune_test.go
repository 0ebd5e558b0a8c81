package prune_test

import (
	"context"
	"math"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/export"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/prune"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/toy"
)

func writeToy(t *testing.T, opts toy.Options) artifact.ModelArtifact {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "base")
	_, err := toy.Write(dir, opts)
	require.NoError(t, err)
	a, err := artifact.Detect(dir)
	require.NoError(t, err)
	return a
}

func TestKeptHeads(t *testing.T) {
	t.Parallel()
	cases := []struct {
		heads    int
		fraction float64
		want     int
	}{
		{12, 0, 12},
		{12, 0.25, 9},
		{12, 0.5, 6},
		{12, 0.9, 1},
		{12, 0.99, 1},
		{4, 0.3, 3},
		{1, 0.4, 1},
	}
	for _, c := range cases {
		got, err := prune.Kept(c.heads, c.fraction, 0)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "heads=%d fraction=%v", c.heads, c.fraction)
	}

	_, err := prune.Kept(1, 0.999, 3)
	var pe *artifact.InvalidPruningFractionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Layer)
	assert.Equal(t, 1, pe.Heads)
}

func TestValidateRejectsFraction(t *testing.T) {
	t.Parallel()
	for _, f := range []float64{-0.1, 1, 1.5, math.NaN()} {
		err := prune.DefaultSpec(f).Validate()
		var pe *artifact.InvalidPruningFractionError
		require.ErrorAs(t, err, &pe, "fraction %v", f)
		assert.Equal(t, -1, pe.Layer)
	}
	require.NoError(t, prune.DefaultSpec(0).Validate())
}

func TestPruneRemovesHeads(t *testing.T) {
	t.Parallel()
	src := writeToy(t, toy.Options{Hidden: 48, Layers: 2, Heads: 12, Seed: 3})
	out := filepath.Join(t.TempDir(), "pruned")

	res, err := prune.Prune(context.Background(), prune.DefaultSpec(0.25), nil, src, out)
	require.NoError(t, err)
	assert.Equal(t, []int{12, 12}, res.Before)
	assert.Equal(t, []int{9, 9}, res.After)
	assert.Equal(t, []int{9, 9}, res.Artifact.HeadCount)
	assert.Less(t, res.OutputBytes, res.SourceBytes)
	assert.FileExists(t, filepath.Join(out, "vocab.txt"))
	for layer, heads := range res.Removed {
		assert.Len(t, heads, 3, "layer %d", layer)
	}

	m, err := model.Load(out)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 9}, m.HeadCounts())
	for layer := range 2 {
		assert.Equal(t, res.Removed[layer], m.Config.PrunedHeads[strconv.Itoa(layer)])
		a := m.Encoder[layer].Attention
		assert.Equal(t, 9*4, a.Query.Out())
		assert.Equal(t, 9*4, a.Output.In())
		assert.Equal(t, 48, a.Output.Out())
	}

	ids := [][]int64{{2, 7, 9, 3, 0, 0}}
	mask := [][]int64{{1, 1, 1, 1, 0, 0}}
	logits, err := model.Logits(m, ids, mask, 1)
	require.NoError(t, err)
	assert.Len(t, logits[0], 2)
}

func TestPrunedModelMatchesMaskedHeads(t *testing.T) {
	t.Parallel()
	src := writeToy(t, toy.Options{Hidden: 48, Layers: 2, Heads: 6, Seed: 11})
	pruned, err := model.Load(src.Path)
	require.NoError(t, err)
	masked, err := model.Load(src.Path)
	require.NoError(t, err)

	removed, err := prune.PruneModel(pruned, prune.DefaultSpec(0.5), prune.NewSource(5))
	require.NoError(t, err)
	require.Len(t, removed, 2)

	// A removed head only reaches the output through its columns of the
	// output projection, so zeroing them must give the pruned model's logits.
	for layer, heads := range removed {
		a := masked.Encoder[layer].Attention
		w := a.Output.W
		for _, h := range heads {
			for r := range w.R {
				for c := h * a.HeadDim; c < (h+1)*a.HeadDim; c++ {
					w.Data[r*w.Stride+c] = 0
				}
			}
		}
	}

	ids := [][]int64{{2, 7, 9, 3, 11, 5, 0, 0}, {2, 4, 3, 0, 0, 0, 0, 0}}
	mask := [][]int64{{1, 1, 1, 1, 1, 1, 0, 0}, {1, 1, 1, 0, 0, 0, 0, 0}}
	want, err := model.Logits(masked, ids, mask, 1)
	require.NoError(t, err)
	got, err := model.Logits(pruned, ids, mask, 1)
	require.NoError(t, err)
	for b := range want {
		assert.LessOrEqual(t, tensor.MaxAbsDiff(want[b], got[b]), float32(1e-5), "batch %d", b)
	}

	unmasked, err := model.Load(src.Path)
	require.NoError(t, err)
	base, err := model.Logits(unmasked, ids, mask, 1)
	require.NoError(t, err)
	assert.Greater(t, tensor.MaxAbsDiff(base[0], got[0]), float32(1e-5), "pruning changed nothing")
}

func TestPruneRejectsOutputInsideInput(t *testing.T) {
	t.Parallel()
	src := writeToy(t, toy.Options{})
	before, err := artifact.Files(src.Path)
	require.NoError(t, err)

	for _, f := range []float64{0, 0.5} {
		_, err := prune.Prune(context.Background(), prune.DefaultSpec(f), nil, src, filepath.Join(src.Path, "copy"))
		require.ErrorIs(t, err, artifact.ErrOutputOverlapsInput, "fraction %v", f)
		var pe *artifact.PersistenceError
		require.ErrorAs(t, err, &pe)
	}
	after, err := artifact.Files(src.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPruneAccumulates(t *testing.T) {
	t.Parallel()
	src := writeToy(t, toy.Options{Hidden: 48, Layers: 1, Heads: 12, Seed: 4})
	first, err := prune.Prune(context.Background(), prune.DefaultSpec(0.25), nil, src, filepath.Join(t.TempDir(), "a"))
	require.NoError(t, err)

	spec := prune.DefaultSpec(0.5)
	spec.Seed = 7
	second, err := prune.Prune(context.Background(), spec, nil, first.Artifact, filepath.Join(t.TempDir(), "b"))
	require.NoError(t, err)
	assert.Equal(t, []int{5}, second.After)
	for _, h := range second.Removed[0] {
		assert.NotContains(t, first.Removed[0], h)
	}

	m, err := model.Load(second.Artifact.Path)
	require.NoError(t, err)
	assert.Len(t, m.Config.PrunedHeads["0"], 7)
}

func TestPruneZeroFractionCopies(t *testing.T) {
	t.Parallel()
	src := writeToy(t, toy.Options{})
	out := filepath.Join(t.TempDir(), "same")
	res, err := prune.Prune(context.Background(), prune.DefaultSpec(0), nil, src, out)
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Empty(t, res.Removed)

	a, err := artifact.Digest(src.Path)
	require.NoError(t, err)
	b, err := artifact.Digest(out)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPruneRejectsInvalidFraction(t *testing.T) {
	t.Parallel()
	src := writeToy(t, toy.Options{})
	out := filepath.Join(t.TempDir(), "pruned")
	_, err := prune.Prune(context.Background(), prune.DefaultSpec(1), nil, src, out)
	require.ErrorIs(t, err, artifact.ErrInvalidPruningFraction)
	assert.NoDirExists(t, out)
}

func TestPruneRejectsSingleHeadLayer(t *testing.T) {
	t.Parallel()
	src := writeToy(t, toy.Options{Heads: 1})
	out := filepath.Join(t.TempDir(), "pruned")
	_, err := prune.Prune(context.Background(), prune.DefaultSpec(0.999), nil, src, out)
	var pe *artifact.InvalidPruningFractionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 0, pe.Layer)
	assert.NoDirExists(t, out)
}

func TestPruneRejectsTracedInput(t *testing.T) {
	t.Parallel()
	src := writeToy(t, toy.Options{})
	traced := filepath.Join(t.TempDir(), "model.mcf")
	a, err := export.Export(context.Background(), export.Request{ModelPath: src.Path, OutputPath: traced, Method: export.MethodTracing, SeqLen: 8})
	require.NoError(t, err)

	_, err = prune.Prune(context.Background(), prune.DefaultSpec(0.5), nil, a, filepath.Join(t.TempDir(), "pruned"))
	var fe *artifact.FormatMismatchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, artifact.StateTraced, fe.Actual)
}

func TestPruneIsDeterministic(t *testing.T) {
	t.Parallel()
	src := writeToy(t, toy.Options{Hidden: 48, Layers: 2, Heads: 12})
	spec := prune.DefaultSpec(0.5)

	a, err := prune.Prune(context.Background(), spec, nil, src, filepath.Join(t.TempDir(), "a"))
	require.NoError(t, err)
	b, err := prune.Prune(context.Background(), spec, prune.NewSource(prune.DefaultSeed), src, filepath.Join(t.TempDir(), "b"))
	require.NoError(t, err)
	assert.Equal(t, a.Removed, b.Removed)

	ma, err := model.Load(a.Artifact.Path)
	require.NoError(t, err)
	mb, err := model.Load(b.Artifact.Path)
	require.NoError(t, err)
	assert.Equal(t, ma.Encoder[1].Attention.Query.W.Data, mb.Encoder[1].Attention.Query.W.Data)
}

func TestGlobalPolicyKeepsEveryLayer(t *testing.T) {
	t.Parallel()
	spec := prune.Spec{Fraction: 0.5, Policy: prune.PolicyGlobal}
	heads := []int{4, 1, 3}
	plan, err := prune.Plan(spec, heads, prune.NewSource(9))
	require.NoError(t, err)
	require.Len(t, plan, 3)

	total := 0
	for l, drop := range plan {
		total += len(drop)
		assert.Less(t, len(drop), heads[l], "layer %d emptied", l)
	}
	assert.Equal(t, 4, total)
	assert.Empty(t, plan[1])

	_, err = prune.Plan(spec, []int{1, 1}, prune.NewSource(9))
	require.ErrorIs(t, err, artifact.ErrInvalidPruningFraction)
}

func TestParsePolicySuggests(t *testing.T) {
	t.Parallel()
	_, err := prune.ParsePolicy("globl")
	var se *artifact.SpecError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "global", se.Suggestion)
}
