// Package model implements a BERT-style encoder sequence classifier as a
// closed set of layer kinds with a single forward pass.
package model

import (
	"fmt"
)

// Model is a post-norm transformer encoder with a pooled classification head.
type Model struct {
	Config Config
	// Prefix is prepended to encoder tensor names on disk ("bert." or empty).
	Prefix string

	WordEmbeddings      *Embedding
	PositionEmbeddings  *Embedding
	TokenTypeEmbeddings *Embedding // optional; row 0 is added to every position
	EmbeddingNorm       *Other

	Encoder []EncoderLayer

	Pooler     *Linear
	Classifier *Linear
}

// EncoderLayer is one transformer block.
type EncoderLayer struct {
	Attention     *Attention
	AttentionNorm *Other
	Intermediate  *Linear
	Output        *Linear
	OutputNorm    *Other
}

// Layers returns every top-level layer in execution order. The projections
// of an attention block are reached through the Attention itself.
func (m *Model) Layers() []Layer {
	out := []Layer{m.WordEmbeddings, m.PositionEmbeddings}
	if m.TokenTypeEmbeddings != nil {
		out = append(out, m.TokenTypeEmbeddings)
	}
	out = append(out, m.EmbeddingNorm)
	for i := range m.Encoder {
		l := &m.Encoder[i]
		out = append(out, l.Attention, l.AttentionNorm, l.Intermediate, l.Output, l.OutputNorm)
	}
	return append(out, m.Pooler, m.Classifier)
}

// Walk visits every layer of m in execution order and stops at the first
// error.
func Walk(m *Model, v Visitor) error {
	for _, l := range m.Layers() {
		if err := l.Accept(v); err != nil {
			return fmt.Errorf("%s: %w", l.Name(), err)
		}
	}
	return nil
}

// HeadCounts returns the number of attention heads present in each layer.
func (m *Model) HeadCounts() []int {
	out := make([]int, len(m.Encoder))
	for i, l := range m.Encoder {
		out[i] = l.Attention.NumHeads()
	}
	return out
}

// Quantized reports whether any linear weight is stored as int8.
func (m *Model) Quantized() bool {
	q := false
	_ = Walk(m, LinearVisitor(func(l *Linear) error {
		q = q || l.Quantized()
		return nil
	}))
	return q
}

// Activation returns the configured intermediate activation.
func (m *Model) Activation() Activation {
	act, _ := ParseActivation(m.Config.HiddenAct)
	return act
}
