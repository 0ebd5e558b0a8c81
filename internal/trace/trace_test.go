package trace_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/toy"
	"github.com/samcharles93/slimline/internal/trace"
)

func record(t *testing.T, m *model.Model, ids, mask []int64) (*trace.Recorder, *trace.Program, []float32) {
	t.Helper()
	rec := trace.NewRecorder(ids, mask, 1)
	out, err := model.Forward(rec, m, ids, mask)
	require.NoError(t, err)
	prog, err := rec.Program(out, len(ids))
	require.NoError(t, err)
	return rec, prog, out.Data
}

func countOps(p *trace.Program, op trace.Op) int {
	n := 0
	for _, s := range p.Steps {
		if s.Op == op {
			n++
		}
	}
	return n
}

func TestReplayMatchesEager(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Options{Layers: 3, Seed: 5})
	ids := []int64{2, 5, 9, 14, 3, 0, 0, 0}
	mask := []int64{1, 1, 1, 1, 1, 0, 0, 0}
	rec, prog, want := record(t, m, ids, mask)

	assert.Equal(t, 1, countOps(prog, trace.OpKeepMask))
	assert.Equal(t, 3, countOps(prog, trace.OpAttention))

	path := filepath.Join(t.TempDir(), "model.mcf")
	g := &trace.Graph{
		Signature: trace.NewSignature(prog, true),
		Program:   prog,
		Config:    []byte(`{}`),
		Tensors:   rec.Tensors(),
	}
	require.NoError(t, trace.Save(path, g))

	loaded, err := trace.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.SeqLen())
	assert.True(t, loaded.Signature.SamplePadded)
	assert.Equal(t, artifact.FormatTracedGraph.String(), loaded.Signature.Format)

	got, err := loaded.Logits(ids, mask, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, tensor.MaxAbsDiff(want, got), float32(1e-4))

	other := []int64{2, 7, 7, 3, 0, 0, 0, 0}
	otherMask := []int64{1, 1, 1, 1, 0, 0, 0, 0}
	eager, err := model.Forward(model.Eager{Workers: 1}, m, other, otherMask)
	require.NoError(t, err)
	got, err = loaded.Logits(other, otherMask, 1)
	require.NoError(t, err)
	assert.LessOrEqual(t, tensor.MaxAbsDiff(eager.Data, got), float32(1e-4))

	a, err := artifact.Detect(path)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateTraced, a.State())
}

func TestReplayRejectsOtherSequenceLength(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Options{})
	ids := []int64{2, 5, 3, 0}
	mask := []int64{1, 1, 1, 0}
	rec, prog, _ := record(t, m, ids, mask)

	_, err := prog.Run(paramsOf(rec), []int64{2, 3}, []int64{1, 1}, 1)
	var ce *artifact.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []int{4}, ce.Expected)
	assert.Equal(t, []int{2}, ce.Actual)
}

func TestUnpaddedSampleSkipsMasking(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Options{})
	ids := []int64{2, 5, 9, 3}
	mask := []int64{1, 1, 1, 1}
	rec, prog, _ := record(t, m, ids, mask)
	assert.Zero(t, countOps(prog, trace.OpKeepMask))

	// The frozen program ignores padding it never saw.
	padded := []int64{1, 1, 0, 0}
	traced, err := prog.Run(paramsOf(rec), ids, padded, 1)
	require.NoError(t, err)
	eager, err := model.Forward(model.Eager{Workers: 1}, m, ids, padded)
	require.NoError(t, err)
	assert.Greater(t, tensor.MaxAbsDiff(traced, eager.Data), float32(1e-6))
}

func TestQuantizedLinearCannotBeTraced(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Options{})
	q, err := tensor.QuantiseMat(m.Pooler.W)
	require.NoError(t, err)
	m.Pooler.Q, m.Pooler.W = &q, nil

	ids := []int64{2, 5, 3}
	mask := []int64{1, 1, 1}
	rec := trace.NewRecorder(ids, mask, 1)
	out, err := model.Forward(rec, m, ids, mask)
	require.NoError(t, err)
	_, err = rec.Program(out, len(ids))
	var ce *artifact.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "pooler.dense", ce.Layer)
}

func paramsOf(rec *trace.Recorder) trace.Params {
	p := trace.Params{}
	for _, t := range rec.Tensors() {
		rows, cols := 1, t.Shape[len(t.Shape)-1]
		if len(t.Shape) == 2 {
			rows = t.Shape[0]
		}
		p[t.Name] = tensor.NewMatFromData(rows, cols, t.Data)
	}
	return p
}
