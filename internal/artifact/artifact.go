// Package artifact describes persisted models and the errors shared by every
// transformation stage.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/samcharles93/slimline/pkg/mcf"
)

// Format is the on-disk representation of a model.
type Format int

const (
	FormatNative Format = iota
	FormatTracedGraph
	FormatInterchangeGraph
)

var formatNames = []string{"native", "traced-graph", "interchange-graph"}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return "format(" + strconv.Itoa(int(f)) + ")"
}

// ParseFormat parses a format name such as "traced-graph".
func ParseFormat(s string) (Format, error) {
	i, err := ParseChoice("format", s, formatNames)
	return Format(i), err
}

// Precision is the storage precision of the quantisable weights.
type Precision int

const (
	Float32 Precision = iota
	Int8
)

func (p Precision) String() string {
	if p == Int8 {
		return "int8"
	}
	return "float32"
}

// State is the pipeline state an artifact is in.
type State string

const (
	StateNativeF32 State = "native-f32"
	StateNativeI8  State = "native-int8"
	StateTraced    State = "traced"
	StateGraphF32  State = "graph-f32"
	StateGraphI8   State = "graph-int8"
)

// File names used inside artifact directories.
const (
	ConfigFile        = "config.json"
	SafetensorsFile   = "model.safetensors"
	TorchFile         = "pytorch_model.bin"
	GraphFile         = "model.onnx"
	GraphDataFile     = "model.onnx.data"
	TracedFileDefault = "model.mcf"
)

// ModelArtifact is a handle to a persisted model addressed by path.
type ModelArtifact struct {
	Path      string
	Format    Format
	Precision Precision
	// HeadCount holds per-layer attention head counts for native artifacts.
	HeadCount []int
}

// State maps the artifact onto the pipeline state machine.
func (a ModelArtifact) State() State {
	switch a.Format {
	case FormatTracedGraph:
		return StateTraced
	case FormatInterchangeGraph:
		if a.Precision == Int8 {
			return StateGraphI8
		}
		return StateGraphF32
	default:
		if a.Precision == Int8 {
			return StateNativeI8
		}
		return StateNativeF32
	}
}

func (a ModelArtifact) String() string {
	return fmt.Sprintf("%s [%s]", a.Path, a.State())
}

// QuantizationConfig is the quantization_config block of config.json.
type QuantizationConfig struct {
	QuantMethod string `json:"quant_method"`
	Backend     string `json:"backend"`
	Scope       string `json:"scope"`
	Bits        int    `json:"bits"`
}

// headerConfig is the subset of config.json needed to describe an artifact.
type headerConfig struct {
	NumHiddenLayers    int                 `json:"num_hidden_layers"`
	NumAttentionHeads  int                 `json:"num_attention_heads"`
	PrunedHeads        map[string][]int    `json:"pruned_heads"`
	QuantizationConfig *QuantizationConfig `json:"quantization_config"`
}

// Detect inspects path and describes the artifact stored there.
func Detect(path string) (ModelArtifact, error) {
	st, err := os.Stat(path)
	if err != nil {
		return ModelArtifact{}, Persist("detect", path, err)
	}
	if !st.IsDir() {
		if ok, err := isMCF(path); err != nil {
			return ModelArtifact{}, Persist("detect", path, err)
		} else if !ok {
			return ModelArtifact{}, Persist("detect", path, errors.New("unrecognised artifact file"))
		}
		return ModelArtifact{Path: path, Format: FormatTracedGraph, Precision: Float32}, nil
	}

	cfg, err := readHeaderConfig(filepath.Join(path, ConfigFile))
	if err != nil {
		return ModelArtifact{}, Persist("detect", path, err)
	}
	a := ModelArtifact{Path: path, Precision: Float32}
	if cfg.QuantizationConfig != nil && cfg.QuantizationConfig.Bits == 8 {
		a.Precision = Int8
	}
	switch {
	case exists(filepath.Join(path, GraphFile)):
		a.Format = FormatInterchangeGraph
	case exists(filepath.Join(path, SafetensorsFile)), exists(filepath.Join(path, TorchFile)):
		a.Format = FormatNative
		a.HeadCount = headCounts(cfg)
	default:
		return ModelArtifact{}, Persist("detect", path, errors.New("directory holds no model weights"))
	}
	return a, nil
}

func headCounts(cfg headerConfig) []int {
	heads := make([]int, cfg.NumHiddenLayers)
	for i := range heads {
		heads[i] = cfg.NumAttentionHeads - len(cfg.PrunedHeads[strconv.Itoa(i)])
	}
	return heads
}

func readHeaderConfig(path string) (headerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return headerConfig{}, err
	}
	var cfg headerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return headerConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func isMCF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()
	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(magic[:], []byte(mcf.MagicMCF)), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
