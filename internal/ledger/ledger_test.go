package ledger_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/eval"
	"github.com/samcharles93/slimline/internal/ledger"
	"github.com/samcharles93/slimline/internal/pipeline"
	"github.com/samcharles93/slimline/internal/profile"
)

func TestRecordAndList(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := ledger.Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	res := pipeline.Result{
		ID:          uuid.New(),
		Kind:        pipeline.KindQuantize,
		Source:      artifact.ModelArtifact{Path: "/m/graph", Format: artifact.FormatInterchangeGraph},
		Output:      artifact.ModelArtifact{Path: "/m/graph-int8", Format: artifact.FormatInterchangeGraph, Precision: artifact.Int8},
		Elapsed:     1500 * time.Millisecond,
		SourceBytes: 4000,
		OutputBytes: 1100,
		Detail:      "16 tensors int8",
	}
	require.NoError(t, l.Record(ctx, res))

	rep := eval.Report{
		Artifact: res.Output,
		Examples: 10,
		Accuracy: 0.8,
		Latency:  profile.Latency{Runs: 10, Mean: time.Millisecond, P95: 2 * time.Millisecond},
	}
	evalID, err := l.RecordEval(ctx, "sst2.tsv", rep)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = ledger.Open(path)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	ts, err := l.Transformations(ctx)
	require.NoError(t, err)
	require.Len(t, ts, 1)
	got := ts[0]
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, "quantize", got.Kind)
	assert.Equal(t, artifact.StateGraphF32, got.SourceState)
	assert.Equal(t, artifact.StateGraphI8, got.OutputState)
	assert.Equal(t, res.Elapsed, got.Elapsed)
	assert.Equal(t, int64(1100), got.OutputBytes)
	assert.Equal(t, "16 tensors int8", got.Detail)
	assert.False(t, got.CreatedAt.IsZero())

	es, err := l.Evaluations(ctx)
	require.NoError(t, err)
	require.Len(t, es, 1)
	assert.Equal(t, evalID, es[0].ID)
	assert.Equal(t, "sst2.tsv", es[0].Dataset)
	assert.InDelta(t, 0.8, es[0].Accuracy, 1e-12)
	assert.Equal(t, 2*time.Millisecond, es[0].LatencyP95)
}

func TestRecordRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	r := pipeline.Result{ID: uuid.New(), Kind: pipeline.KindPrune}
	require.NoError(t, l.Record(context.Background(), r))
	require.Error(t, l.Record(context.Background(), r))
}
