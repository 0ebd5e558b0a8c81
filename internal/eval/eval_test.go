package eval_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/eval"
	"github.com/samcharles93/slimline/internal/runner"
	"github.com/samcharles93/slimline/internal/toy"
)

const dataset = `label	text
# held out
LABEL_1	it was great !
0	terrible plot , bad acting .

label_1	i loved the film
LABEL_0	i hated it
`

func TestReadTSV(t *testing.T) {
	t.Parallel()
	data, err := eval.ReadTSV(strings.NewReader(dataset))
	require.NoError(t, err)
	require.Len(t, data, 4)
	assert.Equal(t, eval.Example{Label: "0", Text: "terrible plot , bad acting ."}, data[1])

	_, err = eval.ReadTSV(strings.NewReader("no tab here\n"))
	require.Error(t, err)
}

func TestLabelIndex(t *testing.T) {
	t.Parallel()
	labels := []string{"negative", "positive"}
	for label, want := range map[string]int{"negative": 0, "POSITIVE": 1, "1": 1} {
		got, err := eval.LabelIndex(labels, label)
		require.NoError(t, err)
		assert.Equal(t, want, got, label)
	}
	_, err := eval.LabelIndex(labels, "positve")
	var se *artifact.SpecError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "positive", se.Suggestion)
	_, err = eval.LabelIndex(labels, "2")
	require.Error(t, err)
}

func TestConfusion(t *testing.T) {
	t.Parallel()
	c := eval.NewConfusion([]string{"neg", "pos"})
	c.Add(0, 0)
	c.Add(0, 1)
	c.Add(1, 1)
	c.Add(1, 1)
	assert.Equal(t, 4, c.Total())
	assert.InDelta(t, 0.75, c.Accuracy(), 1e-12)
	assert.InDelta(t, 0.5, c.Recall(0), 1e-12)
	assert.InDelta(t, 2.0/3.0, c.Precision(1), 1e-12)
	assert.Equal(t, 2, c.Count(1, 1))

	var buf bytes.Buffer
	c.Render(&buf)
	assert.Contains(t, buf.String(), "0.500")
	assert.Contains(t, buf.String(), "POS")
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	base := filepath.Join(t.TempDir(), "base")
	_, err := toy.Write(base, toy.Options{})
	require.NoError(t, err)
	r, err := runner.Open(base, "", runner.Options{SeqLen: 16})
	require.NoError(t, err)
	data, err := eval.ReadTSV(strings.NewReader(dataset))
	require.NoError(t, err)

	rep, err := eval.Evaluate(context.Background(), r, data, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Examples)
	assert.Equal(t, 4, rep.Confusion.Total())
	assert.Len(t, rep.Predictions, 4)
	assert.Len(t, rep.Logits, 4)
	assert.Equal(t, 4, rep.Latency.Runs)

	correct := 0
	for i, p := range rep.Predictions {
		want, err := eval.LabelIndex(r.Labels, data[i].Label)
		require.NoError(t, err)
		if p.Index == want {
			correct++
		}
	}
	assert.InDelta(t, float64(correct)/4, rep.Accuracy, 1e-12)
}

func TestDiverge(t *testing.T) {
	t.Parallel()
	base := [][]float32{{1, 0}, {0, 2}}
	other := [][]float32{{0.5, 0}, {0, -1}}
	d, err := eval.Diverge(base, other)
	require.NoError(t, err)
	assert.InDelta(t, 3, d.MaxAbs, 1e-9)
	assert.InDelta(t, 0.875, d.MeanAbs, 1e-9)
	assert.InDelta(t, 0.5, d.Agreement, 1e-9)

	_, err = eval.Diverge(base, other[:1])
	require.Error(t, err)
}
