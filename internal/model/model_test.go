package model_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/toy"
)

func sample(t *testing.T, seqLen int) ([]int64, []int64) {
	t.Helper()
	tok, err := toy.Tokenizer(seqLen)
	require.NoError(t, err)
	enc, err := tok.EncodeFixed("the movie was very good", seqLen)
	require.NoError(t, err)
	return enc.IDs, enc.Mask
}

func logits(t *testing.T, m *model.Model, ids, mask []int64) []float32 {
	t.Helper()
	out, err := model.Forward(model.Eager{Workers: 1}, m, ids, mask)
	require.NoError(t, err)
	return out.Data
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	want, err := toy.Write(dir, toy.Options{Seed: 7})
	require.NoError(t, err)

	got, err := model.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, want.HeadCounts(), got.HeadCounts())
	assert.False(t, got.Quantized())

	ids, mask := sample(t, 16)
	assert.Equal(t, logits(t, want, ids, mask), logits(t, got, ids, mask))
}

func TestForwardIgnoresPadding(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Options{Seed: 3})
	ids, mask := sample(t, 24)
	n := 0
	for _, v := range mask {
		if v != 0 {
			n++
		}
	}
	require.Less(t, n, len(mask))

	padded := logits(t, m, ids, mask)
	trimmed := logits(t, m, ids[:n], mask[:n])
	assert.LessOrEqual(t, tensor.MaxAbsDiff(padded, trimmed), float32(1e-5))
}

func TestCheckInputRejects(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Options{MaxPos: 8})
	cases := map[string]struct{ ids, mask []int64 }{
		"empty":    {nil, nil},
		"mismatch": {[]int64{2, 3}, []int64{1}},
		"too long": {make([]int64, 9), make([]int64, 9)},
		"bad id":   {[]int64{2, 100000}, []int64{1, 1}},
		"all pad":  {[]int64{0, 0}, []int64{0, 0}},
	}
	for name, tc := range cases {
		_, err := model.Forward(model.Eager{}, m, tc.ids, tc.mask)
		require.ErrorIs(t, err, artifact.ErrConversion, name)
	}
}

func TestLoadQuantizedLinear(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := toy.New(toy.Options{Seed: 11})
	ids, mask := sample(t, 16)
	before := logits(t, m, ids, mask)

	q, err := tensor.QuantiseMat(m.Classifier.W)
	require.NoError(t, err)
	m.Classifier.Q, m.Classifier.W = &q, nil
	m.Config.QuantizationConfig = &artifact.QuantizationConfig{QuantMethod: "dynamic", Backend: "native", Scope: "linear", Bits: 8}
	require.NoError(t, model.Save(m, dir))

	got, err := model.Load(dir)
	require.NoError(t, err)
	require.True(t, got.Classifier.Quantized())
	assert.True(t, got.Quantized())
	assert.Equal(t, 8, got.Config.QuantizationConfig.Bits)
	assert.Less(t, tensor.MaxAbsDiff(before, logits(t, got, ids, mask)), float32(0.1))

	a, err := artifact.Detect(dir)
	require.NoError(t, err)
	assert.Equal(t, artifact.StateNativeI8, a.State())
}

func TestLoadPrefixedCheckpoint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := toy.New(toy.Options{})
	m.Prefix = "bert."
	require.NoError(t, model.Save(m, dir))

	got, err := model.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "bert.", got.Prefix)
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	m := toy.New(toy.Options{})
	require.NoError(t, model.Save(m, dir))

	cfgPath := filepath.Join(dir, artifact.ConfigFile)
	raw, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["intermediate_size"] = 7
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath, raw, 0o644))

	_, err = model.Load(dir)
	require.ErrorIs(t, err, artifact.ErrPersistence)
}

func TestConfigKeepsUnknownKeys(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"model_type":"bert","vocab_size":10,"hidden_size":8,"num_hidden_layers":1,
		"num_attention_heads":2,"intermediate_size":16,"max_position_embeddings":4,
		"transformers_version":"4.40.0","pruned_heads":{"0":[1]}}`)
	cfg, err := model.ParseConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, cfg.KeptHeads(0))
	assert.Equal(t, 4, cfg.HeadDim())

	out, err := cfg.MarshalJSON()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "4.40.0", doc["transformers_version"])
	assert.Equal(t, "gelu", doc["hidden_act"])
}

func TestConfigRejectsPruningEveryHead(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"vocab_size":10,"hidden_size":8,"num_hidden_layers":1,"num_attention_heads":2,
		"intermediate_size":16,"max_position_embeddings":4,"pruned_heads":{"0":[0,1]}}`)
	_, err := model.ParseConfig(raw)
	require.Error(t, err)
}

func TestWalkVisitsEveryLinear(t *testing.T) {
	t.Parallel()
	m := toy.New(toy.Options{Layers: 3})
	var names []string
	require.NoError(t, model.Walk(m, model.LinearVisitor(func(l *model.Linear) error {
		names = append(names, l.Name())
		return nil
	})))
	// six per layer plus pooler and classifier
	assert.Len(t, names, 3*6+2)
	assert.Equal(t, "encoder.layer.0.attention.self.query", names[0])
	assert.Equal(t, "classifier", names[len(names)-1])
}
