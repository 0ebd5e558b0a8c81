package prune

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/logger"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tokenizer"
)

// Outcome describes a finished pruning run.
type Outcome struct {
	Artifact artifact.ModelArtifact
	// NoOp is set for a zero fraction; the output is a byte copy.
	NoOp bool
	// Before and After hold the head count of each layer.
	Before []int
	After  []int
	// Removed maps a layer index to the original indices of its removed heads.
	Removed     map[int][]int
	SourceBytes int64
	OutputBytes int64
}

type options struct {
	overwrite bool
	tokenizer string
}

// Option adjusts how Prune writes its output.
type Option func(*options)

// WithOverwrite replaces an existing output path.
func WithOverwrite(overwrite bool) Option {
	return func(o *options) { o.overwrite = overwrite }
}

// WithTokenizer copies tokenizer files from dir instead of the input path.
func WithTokenizer(dir string) Option {
	return func(o *options) { o.tokenizer = dir }
}

// headPruner drops the planned heads from each attention block it visits.
type headPruner struct {
	plan    [][]int
	removed map[int][]int
}

func (p *headPruner) VisitAttention(a *model.Attention) error {
	drop := p.plan[a.Index]
	if len(drop) == 0 {
		return nil
	}
	var keep, rows []int
	for pos, h := range a.Heads {
		if slices.Contains(drop, pos) {
			p.removed[a.Index] = append(p.removed[a.Index], h)
			continue
		}
		keep = append(keep, h)
		for r := range a.HeadDim {
			rows = append(rows, pos*a.HeadDim+r)
		}
	}
	for _, l := range []*model.Linear{a.Query, a.Key, a.Value} {
		if l.Quantized() {
			return &artifact.ConversionError{Layer: l.LayerName, Op: "prune", Reason: "weight is int8"}
		}
		w := l.W.SelectRows(rows)
		l.W = &w
		b := make([]float32, len(rows))
		for i, r := range rows {
			b[i] = l.B[r]
		}
		l.B = b
	}
	if a.Output.Quantized() {
		return &artifact.ConversionError{Layer: a.Output.LayerName, Op: "prune", Reason: "weight is int8"}
	}
	w := a.Output.W.SelectCols(rows)
	a.Output.W = &w
	a.Heads = keep
	return nil
}

func (*headPruner) VisitLinear(*model.Linear) error       { return nil }
func (*headPruner) VisitEmbedding(*model.Embedding) error { return nil }
func (*headPruner) VisitOther(*model.Other) error         { return nil }

// PruneModel removes heads from m in place following spec, drawing from
// src. It returns the original indices removed per layer.
func PruneModel(m *model.Model, spec Spec, src *rand.Rand) (map[int][]int, error) {
	plan, err := Plan(spec, m.HeadCounts(), src)
	if err != nil {
		return nil, err
	}
	p := &headPruner{plan: plan, removed: map[int][]int{}}
	if err := model.Walk(m, p); err != nil {
		return nil, err
	}
	return p.removed, nil
}

// Prune removes a fraction of the attention heads of a native float32
// artifact and writes the result to outputPath. A nil src uses a source
// seeded from spec.Seed. A zero fraction writes a byte copy.
func Prune(ctx context.Context, spec Spec, src *rand.Rand, input artifact.ModelArtifact, outputPath string, opts ...Option) (out Outcome, err error) {
	o := options{tokenizer: input.Path}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.FromContext(ctx).With("stage", "prune", "fraction", spec.Fraction, "policy", spec.Policy.String())
	done := logger.Timed(log, "prune", "input", input.Path, "output", outputPath)
	defer func() { done(err) }()

	if err := spec.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	if st := input.State(); st != artifact.StateNativeF32 {
		return Outcome{}, &artifact.FormatMismatchError{Stage: "prune", Path: input.Path, Expected: []artifact.State{artifact.StateNativeF32}, Actual: st}
	}
	if err := artifact.CheckOutput(input.Path, outputPath); err != nil {
		return Outcome{}, err
	}
	if src == nil {
		src = NewSource(spec.Seed)
	}

	m, err := model.Load(input.Path)
	if err != nil {
		return Outcome{}, err
	}
	out.Before = m.HeadCounts()
	if out.SourceBytes, err = artifact.Size(input.Path); err != nil {
		return Outcome{}, artifact.Persist("prune", input.Path, err)
	}

	if spec.Fraction == 0 {
		log.Info("zero fraction, copying input")
		out.NoOp = true
		err = copyArtifact(input.Path, outputPath, o)
	} else {
		if out.Removed, err = PruneModel(m, spec, src); err != nil {
			return Outcome{}, err
		}
		err = save(m, outputPath, o)
	}
	if err != nil {
		return Outcome{}, err
	}
	out.After = m.HeadCounts()

	if out.Artifact, err = artifact.Detect(outputPath); err != nil {
		return Outcome{}, err
	}
	if out.OutputBytes, err = artifact.Size(outputPath); err != nil {
		return Outcome{}, artifact.Persist("prune", outputPath, err)
	}
	log.Info("pruned", "before", fmt.Sprint(out.Before), "after", fmt.Sprint(out.After))
	return out, nil
}

func save(m *model.Model, dst string, o options) error {
	st, err := artifact.StageDir(dst, o.overwrite)
	if err != nil {
		return err
	}
	defer st.Abort()
	if err := model.Save(m, st.Temp); err != nil {
		return err
	}
	if _, err := artifact.CopyNamed(o.tokenizer, st.Temp, tokenizer.Files); err != nil {
		return artifact.Persist("copy tokenizer", o.tokenizer, err)
	}
	return st.Commit()
}

func copyArtifact(src, dst string, o options) error {
	st, err := artifact.StageDir(dst, o.overwrite)
	if err != nil {
		return err
	}
	defer st.Abort()
	if err := artifact.CopyTree(src, st.Temp); err != nil {
		return artifact.Persist("copy", src, err)
	}
	if o.tokenizer != src {
		if _, err := artifact.CopyNamed(o.tokenizer, st.Temp, tokenizer.Files); err != nil {
			return artifact.Persist("copy tokenizer", o.tokenizer, err)
		}
	}
	return st.Commit()
}
