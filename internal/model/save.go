package model

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/safetensors"
	"github.com/samcharles93/slimline/internal/tokenizer"
)

// Save writes config.json and model.safetensors for m into dir, which must
// already exist.
func Save(m *Model, dir string) error {
	m.syncPrunedHeads()
	cfg, err := m.Config.MarshalJSON()
	if err != nil {
		return artifact.Persist("save config", dir, err)
	}
	cfgPath := filepath.Join(dir, artifact.ConfigFile)
	if err := os.WriteFile(cfgPath, append(cfg, '\n'), 0o644); err != nil {
		return artifact.Persist("save config", cfgPath, err)
	}
	path := filepath.Join(dir, artifact.SafetensorsFile)
	if err := safetensors.Write(path, m.tensors(), map[string]string{"format": "pt"}); err != nil {
		return artifact.Persist("save model", path, err)
	}
	return nil
}

// syncPrunedHeads records every head missing from an attention block in
// config.pruned_heads.
func (m *Model) syncPrunedHeads() {
	pruned := map[string][]int{}
	for i, l := range m.Encoder {
		var gone []int
		for h := range m.Config.NumAttentionHeads {
			if !slices.Contains(l.Attention.Heads, h) {
				gone = append(gone, h)
			}
		}
		if len(gone) > 0 {
			pruned[strconv.Itoa(i)] = gone
		}
	}
	if len(pruned) == 0 {
		pruned = nil
	}
	m.Config.PrunedHeads = pruned
}

type tensorCollector struct {
	prefix string
	out    []safetensors.Tensor
}

func (c *tensorCollector) name(base string) string {
	if base == "classifier" {
		return base
	}
	return c.prefix + base
}

func (c *tensorCollector) VisitLinear(l *Linear) error {
	n := c.name(l.LayerName)
	if l.Q != nil {
		c.out = append(c.out,
			safetensors.I8Tensor(n+".weight", []int{l.Q.R, l.Q.C}, l.Q.Data),
			safetensors.F32Tensor(n+ScaleSuffix, []int{1}, []float32{l.Q.Scale}),
			safetensors.I8Tensor(n+ZeroSuffix, []int{1}, []int8{l.Q.Zero}),
		)
	} else {
		c.out = append(c.out, safetensors.F32Tensor(n+".weight", []int{l.W.R, l.W.C}, l.W.Data))
	}
	c.out = append(c.out, safetensors.F32Tensor(n+".bias", []int{len(l.B)}, l.B))
	return nil
}

func (c *tensorCollector) VisitEmbedding(e *Embedding) error {
	t := e.Table
	c.out = append(c.out, safetensors.F32Tensor(c.name(e.LayerName)+".weight", []int{t.R, t.C}, t.Data))
	return nil
}

func (c *tensorCollector) VisitAttention(a *Attention) error {
	for _, l := range a.Projections() {
		if err := c.VisitLinear(l); err != nil {
			return err
		}
	}
	return nil
}

func (c *tensorCollector) VisitOther(o *Other) error {
	n := c.name(o.LayerName)
	c.out = append(c.out,
		safetensors.F32Tensor(n+".weight", []int{len(o.Weight)}, o.Weight),
		safetensors.F32Tensor(n+".bias", []int{len(o.Bias)}, o.Bias),
	)
	return nil
}

func (m *Model) tensors() []safetensors.Tensor {
	c := &tensorCollector{prefix: m.Prefix}
	_ = Walk(m, c)
	return c.out
}

// LoadWithTokenizer loads the native model and tokenizer of loc.
func LoadWithTokenizer(loc artifact.Location) (*Model, *tokenizer.WordPiece, error) {
	m, err := Load(loc.Model.Path)
	if err != nil {
		return nil, nil, err
	}
	tok, err := tokenizer.Load(loc.Tokenizer)
	if err != nil {
		return nil, nil, artifact.Persist("load tokenizer", loc.Tokenizer, err)
	}
	return m, tok, nil
}
