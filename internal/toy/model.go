// Package toy builds small seeded classifiers with a matching tokenizer so
// transformations can be exercised without external checkpoints.
package toy

import (
	"os"
	"strconv"

	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/tokenizer"
)

// Options sizes a toy model. Zero fields take the defaults of DefaultOptions.
type Options struct {
	Hidden       int
	Layers       int
	Heads        int
	Intermediate int
	MaxPos       int
	Labels       int
	TokenTypes   bool
	Seed         uint64
}

// DefaultOptions is a 2 layer, 4 head model with a 32 wide hidden state.
func DefaultOptions() Options {
	return Options{Hidden: 32, Layers: 2, Heads: 4, Intermediate: 64, MaxPos: 64, Labels: 2, Seed: 1}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Hidden == 0 {
		o.Hidden = d.Hidden
	}
	if o.Layers == 0 {
		o.Layers = d.Layers
	}
	if o.Heads == 0 {
		o.Heads = d.Heads
	}
	if o.Intermediate == 0 {
		o.Intermediate = 2 * o.Hidden
	}
	if o.MaxPos == 0 {
		o.MaxPos = d.MaxPos
	}
	if o.Labels == 0 {
		o.Labels = d.Labels
	}
	return o
}

var words = []string{
	"the", "a", "movie", "film", "was", "is", "not", "very", "good", "bad",
	"great", "terrible", "plot", "acting", "and", "but", "i", "it", "loved", "hated",
	".", ",", "!", "?",
}

// Vocab returns the toy WordPiece vocabulary: special tokens, a handful of
// words, single letters and their continuation pieces.
func Vocab() []string {
	v := []string{tokenizer.TokenPAD, tokenizer.TokenUNK, tokenizer.TokenCLS, tokenizer.TokenSEP, tokenizer.TokenMSK}
	v = append(v, words...)
	for c := 'a'; c <= 'z'; c++ {
		v = append(v, string(c))
	}
	for c := 'a'; c <= 'z'; c++ {
		v = append(v, "##"+string(c))
	}
	return v
}

// Tokenizer returns the uncased tokenizer over Vocab with the given fixed
// length.
func Tokenizer(maxLen int) (*tokenizer.WordPiece, error) {
	cfg := tokenizer.DefaultConfig()
	if maxLen > 0 {
		cfg.MaxLength = maxLen
	}
	return tokenizer.New(Vocab(), cfg)
}

// seeder hands out a distinct seed per tensor so a model is reproducible
// regardless of which tensors are later pruned or quantised.
type seeder struct{ next uint64 }

func (s *seeder) mat(r, c int, scale float32) tensor.Mat {
	m := tensor.NewMat(r, c)
	s.next++
	tensor.FillRand(&m, s.next, scale)
	return m
}

func (s *seeder) vec(n int, base, scale float32) []float32 {
	v := make([]float32, n)
	s.next++
	tensor.FillRandSlice(v, s.next, scale)
	for i := range v {
		v[i] += base
	}
	return v
}

func (s *seeder) linear(name string, out, in int) *model.Linear {
	w := s.mat(out, in, 0.2)
	return &model.Linear{LayerName: name, W: &w, B: s.vec(out, 0, 0.05)}
}

func (s *seeder) norm(name string, n int, eps float32) *model.Other {
	return &model.Other{LayerName: name, Kind: model.OtherLayerNorm, Weight: s.vec(n, 1, 0.1), Bias: s.vec(n, 0, 0.05), Eps: eps}
}

// New builds a randomly initialised model sized by opts.
func New(opts Options) *model.Model {
	opts = opts.withDefaults()
	vocab := len(Vocab())
	cfg := model.NewConfig(vocab, opts.Hidden, opts.Layers, opts.Heads, opts.Intermediate, opts.MaxPos, opts.Labels)
	if opts.TokenTypes {
		cfg.TypeVocabSize = 2
	}
	eps := float32(cfg.LayerNormEps)
	s := &seeder{next: opts.Seed << 16}

	m := &model.Model{Config: cfg}
	m.WordEmbeddings = &model.Embedding{LayerName: "embeddings.word_embeddings", Table: s.mat(vocab, opts.Hidden, 0.5)}
	m.PositionEmbeddings = &model.Embedding{LayerName: "embeddings.position_embeddings", Table: s.mat(opts.MaxPos, opts.Hidden, 0.1)}
	if opts.TokenTypes {
		m.TokenTypeEmbeddings = &model.Embedding{LayerName: "embeddings.token_type_embeddings", Table: s.mat(2, opts.Hidden, 0.1)}
	}
	m.EmbeddingNorm = s.norm("embeddings.LayerNorm", opts.Hidden, eps)

	headDim := cfg.HeadDim()
	heads := make([]int, opts.Heads)
	for i := range heads {
		heads[i] = i
	}
	m.Encoder = make([]model.EncoderLayer, opts.Layers)
	for i := range m.Encoder {
		p := "encoder.layer." + strconv.Itoa(i)
		a := &model.Attention{
			LayerName: p + ".attention",
			Index:     i,
			Query:     s.linear(p+".attention.self.query", opts.Hidden, opts.Hidden),
			Key:       s.linear(p+".attention.self.key", opts.Hidden, opts.Hidden),
			Value:     s.linear(p+".attention.self.value", opts.Hidden, opts.Hidden),
			Output:    s.linear(p+".attention.output.dense", opts.Hidden, opts.Hidden),
			Heads:     append([]int(nil), heads...),
			HeadDim:   headDim,
		}
		m.Encoder[i] = model.EncoderLayer{
			Attention:     a,
			AttentionNorm: s.norm(p+".attention.output.LayerNorm", opts.Hidden, eps),
			Intermediate:  s.linear(p+".intermediate.dense", opts.Intermediate, opts.Hidden),
			Output:        s.linear(p+".output.dense", opts.Hidden, opts.Intermediate),
			OutputNorm:    s.norm(p+".output.LayerNorm", opts.Hidden, eps),
		}
	}
	m.Pooler = s.linear("pooler.dense", opts.Hidden, opts.Hidden)
	m.Classifier = s.linear("classifier", opts.Labels, opts.Hidden)
	return m
}

// Write saves a toy model and its tokenizer into dir, creating it.
func Write(dir string, opts Options) (*model.Model, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	m := New(opts)
	if err := model.Save(m, dir); err != nil {
		return nil, err
	}
	tok, err := Tokenizer(opts.MaxPos)
	if err != nil {
		return nil, err
	}
	if err := tok.Save(dir); err != nil {
		return nil, err
	}
	return m, nil
}
