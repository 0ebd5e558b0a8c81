package runner_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/slimline/internal/export"
	"github.com/samcharles93/slimline/internal/runner"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/toy"
)

var texts = []string{"it was great !", "terrible plot , bad acting .", "i loved it"}

func TestEveryFormatAgrees(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	_, err := toy.Write(base, toy.Options{Seed: 8})
	require.NoError(t, err)

	traced := filepath.Join(dir, "model.mcf")
	_, err = export.Export(context.Background(), export.Request{ModelPath: base, OutputPath: traced, Method: export.MethodTracing, SeqLen: 32})
	require.NoError(t, err)
	onnx := filepath.Join(dir, "graph")
	_, err = export.Export(context.Background(), export.Request{ModelPath: base, OutputPath: onnx, Method: export.MethodInterchange, SeqLen: 32})
	require.NoError(t, err)

	native, err := runner.Open(base, "", runner.Options{SeqLen: 32})
	require.NoError(t, err)
	want, err := native.Classify(texts)
	require.NoError(t, err)
	require.Len(t, want, len(texts))
	assert.Equal(t, []string{"LABEL_0", "LABEL_1"}, native.Labels)

	for _, path := range []string{traced, onnx} {
		r, err := runner.Open(path, "", runner.Options{SeqLen: 32})
		require.NoError(t, err, path)
		assert.Equal(t, 32, r.SeqLen)
		assert.True(t, r.Padded)
		got, err := r.Classify(texts)
		require.NoError(t, err, path)
		for i := range want {
			assert.Equal(t, want[i].Index, got[i].Index, "%s: %q", path, texts[i])
			assert.LessOrEqual(t, tensor.MaxAbsDiff(want[i].Logits, got[i].Logits), float32(export.Tolerance))
		}
	}
}

func TestClassifyScoresAreProbabilities(t *testing.T) {
	t.Parallel()
	base := filepath.Join(t.TempDir(), "base")
	_, err := toy.Write(base, toy.Options{Labels: 3})
	require.NoError(t, err)

	r, err := runner.Open(base, "", runner.Options{})
	require.NoError(t, err)
	assert.Equal(t, 64, r.SeqLen)
	preds, err := r.Classify(texts)
	require.NoError(t, err)
	for _, p := range preds {
		assert.Len(t, p.Logits, 3)
		assert.Greater(t, p.Score, float32(1.0/3.0)-1e-6)
		assert.LessOrEqual(t, p.Score, float32(1))
	}

	none, err := r.Classify(nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpenMissingArtifact(t *testing.T) {
	t.Parallel()
	_, err := runner.Open(filepath.Join(t.TempDir(), "nope"), "", runner.Options{})
	require.Error(t, err)
}
