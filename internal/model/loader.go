package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/safetensors"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/torch"
)

// Suffixes of the extra tensors stored next to an int8 weight.
const (
	ScaleSuffix = ".weight_scale"
	ZeroSuffix  = ".weight_zero_point"
)

// encoderPrefix is prepended to every tensor except the classifier in
// checkpoints saved from a full BertForSequenceClassification.
const encoderPrefix = "bert."

// tensorSource is a read-only view over a checkpoint.
type tensorSource interface {
	has(name string) bool
	f32(name string) ([]float32, []int, error)
	i8(name string) ([]int8, []int, error)
}

type safetensorsSource struct{ f *safetensors.File }

func (s safetensorsSource) has(name string) bool {
	_, ok := s.f.Tensor(name)
	return ok
}

func (s safetensorsSource) f32(name string) ([]float32, []int, error) {
	v, info, err := s.f.ReadTensorF32(name)
	return v, info.Shape, err
}

func (s safetensorsSource) i8(name string) ([]int8, []int, error) {
	v, info, err := s.f.ReadTensorI8(name)
	return v, info.Shape, err
}

type torchSource struct{ f *torch.File }

func (s torchSource) has(name string) bool {
	_, ok := s.f.Tensors[name]
	return ok
}

func (s torchSource) f32(name string) ([]float32, []int, error) {
	t, ok := s.f.Tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor not found: %s", name)
	}
	return t.Data, t.Shape, nil
}

func (s torchSource) i8(name string) ([]int8, []int, error) {
	return nil, nil, fmt.Errorf("tensor %s: int8 weights are not read from pytorch checkpoints", name)
}

// Load reads a native model directory: config.json plus model.safetensors,
// or pytorch_model.bin when no safetensors file exists.
func Load(dir string) (*Model, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	src, path, err := openSource(dir)
	if err != nil {
		return nil, err
	}
	m, err := build(cfg, src)
	if err != nil {
		return nil, artifact.Persist("load model", path, err)
	}
	return m, nil
}

func openSource(dir string) (tensorSource, string, error) {
	path := filepath.Join(dir, artifact.SafetensorsFile)
	if _, err := os.Stat(path); err == nil {
		f, err := safetensors.Open(path)
		if err != nil {
			return nil, path, artifact.Persist("load model", path, err)
		}
		return safetensorsSource{f}, path, nil
	}
	path = filepath.Join(dir, artifact.TorchFile)
	if _, err := os.Stat(path); err != nil {
		return nil, dir, artifact.Persist("load model", dir, errors.New("no model.safetensors or pytorch_model.bin"))
	}
	f, err := torch.Open(path)
	if err != nil {
		return nil, path, artifact.Persist("load model", path, err)
	}
	return torchSource{f}, path, nil
}

// loader resolves layer names to checkpoint tensor names and checks shapes.
type loader struct {
	src    tensorSource
	prefix string
}

func (ld loader) name(base string) string {
	if base == "classifier" {
		return base
	}
	return ld.prefix + base
}

func (ld loader) vector(name string, n int) ([]float32, error) {
	v, shape, err := ld.src.f32(ld.name(name))
	if err != nil {
		return nil, err
	}
	if !slices.Equal(shape, []int{n}) {
		return nil, fmt.Errorf("tensor %s: shape %v, want [%d]", ld.name(name), shape, n)
	}
	return v, nil
}

func (ld loader) matrix(name string, r, c int) (tensor.Mat, error) {
	v, shape, err := ld.src.f32(ld.name(name))
	if err != nil {
		return tensor.Mat{}, err
	}
	if !slices.Equal(shape, []int{r, c}) {
		return tensor.Mat{}, fmt.Errorf("tensor %s: shape %v, want [%d %d]", ld.name(name), shape, r, c)
	}
	return tensor.NewMatFromData(r, c, v), nil
}

func (ld loader) linear(name string, out, in int) (*Linear, error) {
	l := &Linear{LayerName: name}
	weight := name + ".weight"
	if ld.src.has(ld.name(name + ScaleSuffix)) {
		q, err := ld.quantized(name, out, in)
		if err != nil {
			return nil, err
		}
		l.Q = q
	} else {
		w, err := ld.matrix(weight, out, in)
		if err != nil {
			return nil, err
		}
		l.W = &w
	}
	b, err := ld.vector(name+".bias", out)
	if err != nil {
		return nil, err
	}
	l.B = b
	return l, nil
}

func (ld loader) quantized(name string, out, in int) (*tensor.QMat, error) {
	data, shape, err := ld.src.i8(ld.name(name + ".weight"))
	if err != nil {
		return nil, err
	}
	if !slices.Equal(shape, []int{out, in}) {
		return nil, fmt.Errorf("tensor %s.weight: shape %v, want [%d %d]", ld.name(name), shape, out, in)
	}
	scale, _, err := ld.src.f32(ld.name(name + ScaleSuffix))
	if err != nil {
		return nil, err
	}
	zero, _, err := ld.src.i8(ld.name(name + ZeroSuffix))
	if err != nil {
		return nil, err
	}
	if len(scale) != 1 || len(zero) != 1 {
		return nil, fmt.Errorf("tensor %s: quantisation parameters must be scalars", ld.name(name))
	}
	return &tensor.QMat{R: out, C: in, Data: data, Scale: scale[0], Zero: zero[0]}, nil
}

func (ld loader) norm(name string, width int, eps float32) (*Other, error) {
	w, err := ld.vector(name+".weight", width)
	if err != nil {
		return nil, err
	}
	b, err := ld.vector(name+".bias", width)
	if err != nil {
		return nil, err
	}
	return &Other{LayerName: name, Kind: OtherLayerNorm, Weight: w, Bias: b, Eps: eps}, nil
}

func (ld loader) embedding(name string, rows, width int) (*Embedding, error) {
	t, err := ld.matrix(name+".weight", rows, width)
	if err != nil {
		return nil, err
	}
	return &Embedding{LayerName: name, Table: t}, nil
}

func build(cfg Config, src tensorSource) (*Model, error) {
	ld := loader{src: src}
	if src.has(encoderPrefix + "embeddings.word_embeddings.weight") {
		ld.prefix = encoderPrefix
	}
	hidden := cfg.HiddenSize
	eps := float32(cfg.LayerNormEps)
	m := &Model{Config: cfg, Prefix: ld.prefix}

	var err error
	if m.WordEmbeddings, err = ld.embedding("embeddings.word_embeddings", cfg.VocabSize, hidden); err != nil {
		return nil, err
	}
	if m.PositionEmbeddings, err = ld.embedding("embeddings.position_embeddings", cfg.MaxPositionEmbeddings, hidden); err != nil {
		return nil, err
	}
	if src.has(ld.name("embeddings.token_type_embeddings.weight")) {
		rows := max(cfg.TypeVocabSize, 1)
		if m.TokenTypeEmbeddings, err = ld.embedding("embeddings.token_type_embeddings", rows, hidden); err != nil {
			return nil, err
		}
	}
	if m.EmbeddingNorm, err = ld.norm("embeddings.LayerNorm", hidden, eps); err != nil {
		return nil, err
	}

	headDim := cfg.HeadDim()
	m.Encoder = make([]EncoderLayer, cfg.NumHiddenLayers)
	for i := range m.Encoder {
		p := "encoder.layer." + strconv.Itoa(i)
		heads := cfg.KeptHeads(i)
		width := len(heads) * headDim
		a := &Attention{LayerName: p + ".attention", Index: i, Heads: heads, HeadDim: headDim}
		if a.Query, err = ld.linear(p+".attention.self.query", width, hidden); err != nil {
			return nil, err
		}
		if a.Key, err = ld.linear(p+".attention.self.key", width, hidden); err != nil {
			return nil, err
		}
		if a.Value, err = ld.linear(p+".attention.self.value", width, hidden); err != nil {
			return nil, err
		}
		if a.Output, err = ld.linear(p+".attention.output.dense", hidden, width); err != nil {
			return nil, err
		}
		l := &m.Encoder[i]
		l.Attention = a
		if l.AttentionNorm, err = ld.norm(p+".attention.output.LayerNorm", hidden, eps); err != nil {
			return nil, err
		}
		if l.Intermediate, err = ld.linear(p+".intermediate.dense", cfg.IntermediateSize, hidden); err != nil {
			return nil, err
		}
		if l.Output, err = ld.linear(p+".output.dense", hidden, cfg.IntermediateSize); err != nil {
			return nil, err
		}
		if l.OutputNorm, err = ld.norm(p+".output.LayerNorm", hidden, eps); err != nil {
			return nil, err
		}
	}
	if m.Pooler, err = ld.linear("pooler.dense", hidden, hidden); err != nil {
		return nil, err
	}
	if m.Classifier, err = ld.linear("classifier", cfg.Labels(), hidden); err != nil {
		return nil, err
	}
	return m, nil
}
