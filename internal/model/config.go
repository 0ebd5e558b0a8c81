package model

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/samcharles93/slimline/internal/artifact"
)

// hfConfig mirrors the config.json fields of a BERT-style sequence classifier.
type hfConfig struct {
	ModelType             string                       `json:"model_type"`
	Architectures         []string                     `json:"architectures,omitempty"`
	VocabSize             int                          `json:"vocab_size"`
	HiddenSize            int                          `json:"hidden_size"`
	NumHiddenLayers       int                          `json:"num_hidden_layers"`
	NumAttentionHeads     int                          `json:"num_attention_heads"`
	IntermediateSize      int                          `json:"intermediate_size"`
	HiddenAct             string                       `json:"hidden_act"`
	MaxPositionEmbeddings int                          `json:"max_position_embeddings"`
	TypeVocabSize         int                          `json:"type_vocab_size,omitempty"`
	LayerNormEps          float64                      `json:"layer_norm_eps"`
	PadTokenID            int                          `json:"pad_token_id"`
	NumLabels             int                          `json:"num_labels,omitempty"`
	ID2Label              map[string]string            `json:"id2label,omitempty"`
	PrunedHeads           map[string][]int             `json:"pruned_heads,omitempty"`
	QuantizationConfig    *artifact.QuantizationConfig `json:"quantization_config,omitempty"`
}

// Config is the parsed model configuration. Unknown config.json keys are kept
// in raw and written back unchanged on save.
type Config struct {
	hfConfig
	raw map[string]json.RawMessage
}

// ParseConfig parses config.json bytes.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg.hfConfig); err != nil {
		return Config{}, fmt.Errorf("parse config.json: %w", err)
	}
	if err := json.Unmarshal(data, &cfg.raw); err != nil {
		return Config{}, fmt.Errorf("parse config.json: %w", err)
	}
	if cfg.LayerNormEps == 0 {
		cfg.LayerNormEps = 1e-12
	}
	if cfg.HiddenAct == "" {
		cfg.HiddenAct = "gelu"
	}
	return cfg, cfg.validate()
}

// LoadConfig reads dir/config.json.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, artifact.ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, artifact.Persist("load config", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, artifact.Persist("load config", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.HiddenSize <= 0, c.NumHiddenLayers <= 0, c.NumAttentionHeads <= 0:
		return fmt.Errorf("config: hidden_size, num_hidden_layers and num_attention_heads must be positive")
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("config: hidden_size %d not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	case c.VocabSize <= 0, c.MaxPositionEmbeddings <= 0, c.IntermediateSize <= 0:
		return fmt.Errorf("config: vocab_size, max_position_embeddings and intermediate_size must be positive")
	}
	if _, err := ParseActivation(c.HiddenAct); err != nil {
		return err
	}
	for k, heads := range c.PrunedHeads {
		layer, err := strconv.Atoi(k)
		if err != nil || layer < 0 || layer >= c.NumHiddenLayers {
			return fmt.Errorf("config: pruned_heads has invalid layer %q", k)
		}
		if len(heads) >= c.NumAttentionHeads {
			return fmt.Errorf("config: layer %d prunes all %d heads", layer, c.NumAttentionHeads)
		}
		for _, h := range heads {
			if h < 0 || h >= c.NumAttentionHeads {
				return fmt.Errorf("config: layer %d prunes head %d out of range", layer, h)
			}
		}
	}
	return nil
}

// HeadDim is the width of one attention head.
func (c Config) HeadDim() int { return c.HiddenSize / c.NumAttentionHeads }

// Labels returns the number of classifier outputs.
func (c Config) Labels() int {
	if len(c.ID2Label) > 0 {
		return len(c.ID2Label)
	}
	if c.NumLabels > 0 {
		return c.NumLabels
	}
	return 2
}

// LabelName returns the configured name of class i.
func (c Config) LabelName(i int) string {
	if name, ok := c.ID2Label[strconv.Itoa(i)]; ok {
		return name
	}
	return "LABEL_" + strconv.Itoa(i)
}

// KeptHeads returns the original indices of the heads still present in layer.
func (c Config) KeptHeads(layer int) []int {
	pruned := c.PrunedHeads[strconv.Itoa(layer)]
	kept := make([]int, 0, c.NumAttentionHeads)
	for h := range c.NumAttentionHeads {
		if !slices.Contains(pruned, h) {
			kept = append(kept, h)
		}
	}
	return kept
}

// MarshalJSON writes the known fields over the preserved raw keys.
func (c Config) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(c.hfConfig)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(c.raw)+len(fields))
	for k, v := range c.raw {
		out[k] = v
	}
	for _, k := range []string{"pruned_heads", "quantization_config", "architectures", "type_vocab_size", "num_labels", "id2label"} {
		delete(out, k)
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.MarshalIndent(out, "", "  ")
}

// NewConfig builds a Config from explicit sizes. Used for freshly initialised
// models.
func NewConfig(vocab, hidden, layers, heads, intermediate, maxPos, labels int) Config {
	cfg := Config{hfConfig: hfConfig{
		ModelType:             "bert",
		Architectures:         []string{"BertForSequenceClassification"},
		VocabSize:             vocab,
		HiddenSize:            hidden,
		NumHiddenLayers:       layers,
		NumAttentionHeads:     heads,
		IntermediateSize:      intermediate,
		HiddenAct:             "gelu",
		MaxPositionEmbeddings: maxPos,
		LayerNormEps:          1e-12,
		ID2Label:              map[string]string{},
	}}
	for i := range labels {
		cfg.ID2Label[strconv.Itoa(i)] = "LABEL_" + strconv.Itoa(i)
	}
	return cfg
}
