package model

import (
	"fmt"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/tensor"
)

// CheckInput verifies that one sequence fits the model signature.
func (m *Model) CheckInput(ids, mask []int64) error {
	seq := len(ids)
	switch {
	case seq == 0:
		return &artifact.ConversionError{Op: "input", Reason: "empty sequence"}
	case len(mask) != seq:
		return &artifact.ConversionError{Op: "input", Reason: "attention_mask length differs from input_ids", Expected: []int{seq}, Actual: []int{len(mask)}}
	case seq > m.Config.MaxPositionEmbeddings:
		return &artifact.ConversionError{Op: "input", Reason: "sequence longer than max_position_embeddings", Expected: []int{m.Config.MaxPositionEmbeddings}, Actual: []int{seq}}
	}
	for i, id := range ids {
		if id < 0 || id >= int64(m.WordEmbeddings.Table.R) {
			return &artifact.ConversionError{Op: "input", Reason: fmt.Sprintf("token id %d at position %d outside vocabulary of %d", id, i, m.WordEmbeddings.Table.R)}
		}
	}
	for _, v := range mask {
		if v != 0 {
			return nil
		}
	}
	return &artifact.ConversionError{Op: "input", Reason: "attention_mask masks every position"}
}

// Forward runs one sequence through m and returns logits as a [1, labels]
// matrix. When the mask has no padding the masking step is skipped entirely.
func Forward(ops Ops, m *Model, ids, mask []int64) (tensor.Mat, error) {
	if err := m.CheckInput(ids, mask); err != nil {
		return tensor.Mat{}, err
	}
	seq := len(ids)
	x := ops.Embed(m.WordEmbeddings, ids)
	x = ops.Add(x, ops.Embed(m.PositionEmbeddings, positions(seq)))
	if m.TokenTypeEmbeddings != nil {
		x = ops.Add(x, ops.Embed(m.TokenTypeEmbeddings, make([]int64, seq)))
	}
	x = ops.LayerNorm(x, m.EmbeddingNorm)

	var keep []bool
	if hasPadding(mask) {
		keep = ops.KeepMask(mask)
	}
	act := m.Activation()
	for i := range m.Encoder {
		l := &m.Encoder[i]
		a := l.Attention
		q := ops.Linear(x, a.Query)
		k := ops.Linear(x, a.Key)
		v := ops.Linear(x, a.Value)
		ctx := ops.Attention(q, k, v, a, keep)
		h := ops.Linear(ctx, a.Output)
		x = ops.LayerNorm(ops.Add(h, x), l.AttentionNorm)

		inter := ops.Activation(ops.Linear(x, l.Intermediate), act)
		out := ops.Linear(inter, l.Output)
		x = ops.LayerNorm(ops.Add(out, x), l.OutputNorm)
	}
	pooled := ops.Activation(ops.Linear(ops.CLS(x), m.Pooler), ActTanh)
	return ops.Linear(pooled, m.Classifier), nil
}

// Logits runs each sequence of a batch eagerly and returns one logit row
// per sequence.
func Logits(m *Model, ids, mask [][]int64, workers int) ([][]float32, error) {
	if len(ids) != len(mask) {
		return nil, &artifact.ConversionError{Op: "input", Reason: "batch sizes differ", Expected: []int{len(ids)}, Actual: []int{len(mask)}}
	}
	ops := Eager{Workers: workers}
	out := make([][]float32, len(ids))
	for b := range ids {
		logits, err := Forward(ops, m, ids[b], mask[b])
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", b, err)
		}
		out[b] = logits.Data
	}
	return out, nil
}

func positions(seq int) []int64 {
	pos := make([]int64, seq)
	for i := range pos {
		pos[i] = int64(i)
	}
	return pos
}

func hasPadding(mask []int64) bool {
	for _, v := range mask {
		if v == 0 {
			return true
		}
	}
	return false
}
