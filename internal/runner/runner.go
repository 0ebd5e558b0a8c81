// Package runner classifies text with any artifact the pipeline produces.
package runner

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/export"
	"github.com/samcharles93/slimline/internal/graph"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/tokenizer"
	"github.com/samcharles93/slimline/internal/trace"
)

// Classifier produces class logits for a batch of equal-length sequences.
type Classifier interface {
	Logits(ids, mask [][]int64) ([][]float32, error)
}

type nativeClassifier struct {
	m       *model.Model
	workers int
}

func (c nativeClassifier) Logits(ids, mask [][]int64) ([][]float32, error) {
	return model.Logits(c.m, ids, mask, c.workers)
}

type tracedClassifier struct {
	g       *trace.Graph
	workers int
}

func (c tracedClassifier) Logits(ids, mask [][]int64) ([][]float32, error) {
	out := make([][]float32, len(ids))
	for b := range ids {
		row, err := c.g.Logits(ids[b], mask[b], c.workers)
		if err != nil {
			return nil, err
		}
		out[b] = row
	}
	return out, nil
}

type graphClassifier struct {
	s *graph.Session
}

func (c graphClassifier) Logits(ids, mask [][]int64) ([][]float32, error) {
	return export.Run(c.s, ids, mask)
}

// Options tune Open.
type Options struct {
	// SeqLen is the padded sequence length. Traced graphs ignore it and use
	// the length they were traced at. 0 uses the tokenizer max length.
	SeqLen  int
	Workers int
}

// Runner pairs a loaded artifact with its tokenizer.
type Runner struct {
	Artifact  artifact.ModelArtifact
	Tokenizer *tokenizer.WordPiece
	Labels    []string
	SeqLen    int
	// Padded is false for a traced graph whose sample held no padding; such a
	// graph ignores the attention mask.
	Padded bool

	clf Classifier
}

// Prediction is the classification of one text.
type Prediction struct {
	Text   string    `json:"text"`
	Label  string    `json:"label"`
	Index  int       `json:"index"`
	Score  float32   `json:"score"`
	Logits []float32 `json:"logits"`
}

// Open loads the artifact at path. An empty tokenizerPath uses the
// tokenizer stored with the artifact.
func Open(path, tokenizerPath string, opts Options) (*Runner, error) {
	loc, err := artifact.Locate(path, tokenizerPath)
	if err != nil {
		return nil, err
	}
	r := &Runner{Artifact: loc.Model, SeqLen: opts.SeqLen, Padded: true}

	var cfg model.Config
	switch loc.Model.Format {
	case artifact.FormatTracedGraph:
		g, err := trace.Load(loc.Model.Path)
		if err != nil {
			return nil, err
		}
		if cfg, err = model.ParseConfig(g.Config); err != nil {
			return nil, artifact.Persist("open", loc.Model.Path, err)
		}
		if len(g.Tokenizer) > 0 && tokenizerPath == "" {
			if r.Tokenizer, err = tokenizer.LoadBytes(g.Tokenizer); err != nil {
				return nil, artifact.Persist("open tokenizer", loc.Model.Path, err)
			}
		}
		r.SeqLen = g.SeqLen()
		r.Padded = g.Signature.SamplePadded
		r.clf = tracedClassifier{g: g, workers: opts.Workers}

	case artifact.FormatInterchangeGraph:
		gm, err := graph.Load(loc.Model.Path)
		if err != nil {
			return nil, artifact.Persist("open", filepath.Join(loc.Model.Path, graph.ModelFile), err)
		}
		s, err := graph.NewSession(gm, opts.Workers)
		if err != nil {
			return nil, &artifact.ConversionError{Op: "session", Reason: err.Error()}
		}
		if cfg, err = model.LoadConfig(loc.Model.Path); err != nil {
			return nil, err
		}
		r.clf = graphClassifier{s: s}

	default:
		m, err := model.Load(loc.Model.Path)
		if err != nil {
			return nil, err
		}
		cfg = m.Config
		r.clf = nativeClassifier{m: m, workers: opts.Workers}
	}

	if r.Tokenizer == nil {
		if r.Tokenizer, err = tokenizer.Load(loc.Tokenizer); err != nil {
			return nil, artifact.Persist("open tokenizer", loc.Tokenizer, err)
		}
	}
	if r.SeqLen <= 0 {
		r.SeqLen = min(r.Tokenizer.MaxLength(), cfg.MaxPositionEmbeddings)
	}
	for i := range cfg.Labels() {
		r.Labels = append(r.Labels, cfg.LabelName(i))
	}
	return r, nil
}

// Encode tokenizes texts to the runner's fixed sequence length.
func (r *Runner) Encode(texts []string) (ids, mask [][]int64, err error) {
	for _, text := range texts {
		enc, err := r.Tokenizer.EncodeFixed(text, r.SeqLen)
		if err != nil {
			return nil, nil, err
		}
		ids = append(ids, enc.IDs)
		mask = append(mask, enc.Mask)
	}
	return ids, mask, nil
}

// Logits encodes texts and returns the raw logits.
func (r *Runner) Logits(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ids, mask, err := r.Encode(texts)
	if err != nil {
		return nil, err
	}
	return r.clf.Logits(ids, mask)
}

// Classify returns the most likely label of each text.
func (r *Runner) Classify(texts []string) ([]Prediction, error) {
	logits, err := r.Logits(texts)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, len(texts))
	for i, row := range logits {
		if len(row) != len(r.Labels) {
			return nil, fmt.Errorf("runner: %d logits for %d labels", len(row), len(r.Labels))
		}
		probs := slices.Clone(row)
		tensor.Softmax(probs)
		best := 0
		for j := range probs {
			if probs[j] > probs[best] {
				best = j
			}
		}
		out[i] = Prediction{Text: texts[i], Label: r.Labels[best], Index: best, Score: probs[best], Logits: row}
	}
	return out, nil
}
