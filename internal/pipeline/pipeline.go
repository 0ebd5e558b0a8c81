package pipeline

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/export"
	"github.com/samcharles93/slimline/internal/logger"
	"github.com/samcharles93/slimline/internal/prune"
	"github.com/samcharles93/slimline/internal/quantize"
)

// Plan is a chain of stages over one base model.
type Plan struct {
	Model string
	// Tokenizer defaults to the model directory.
	Tokenizer string
	// WorkDir receives NN-<kind> outputs for stages without an explicit
	// output path.
	WorkDir   string
	Overwrite bool
	Stages    []Stage
}

// Result records one finished stage.
type Result struct {
	ID          uuid.UUID
	Kind        Kind
	Source      artifact.ModelArtifact
	Output      artifact.ModelArtifact
	Elapsed     time.Duration
	NoOp        bool
	SourceBytes int64
	OutputBytes int64
	// Detail is a short human readable summary of what changed.
	Detail string
}

// Recorder receives every finished stage, for example a results ledger.
type Recorder interface {
	Record(ctx context.Context, r Result) error
}

type options struct {
	random   *rand.Rand
	recorder Recorder
	workers  int
}

// Option adjusts Run.
type Option func(*options)

// WithRandom overrides the seeded source of the prune stage.
func WithRandom(src *rand.Rand) Option {
	return func(o *options) { o.random = src }
}

// WithRecorder reports each result to r as soon as its stage finishes.
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithWorkers bounds the goroutines used by export verification.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// Check resolves the plan input and validates the whole chain without doing
// any work. It returns the input location and the state after each stage.
func Check(plan Plan) (artifact.Location, []artifact.State, error) {
	loc, err := artifact.Locate(plan.Model, plan.Tokenizer)
	if err != nil {
		return artifact.Location{}, nil, err
	}
	states, err := Validate(loc.Model.State(), plan.Stages)
	if err != nil {
		return artifact.Location{}, nil, err
	}
	if plan.WorkDir == "" {
		for i, s := range plan.Stages {
			if s.OutputPath() == "" {
				return artifact.Location{}, nil, &artifact.SpecError{Field: fmt.Sprintf("stage %d output", i+1), Value: "", Suggestion: "set work_dir"}
			}
		}
	}
	in := loc.Model.Path
	for i := range plan.Stages {
		out := OutputPath(plan, i)
		if err := artifact.CheckOutput(in, out); err != nil {
			return artifact.Location{}, nil, fmt.Errorf("stage %d: %w", i+1, err)
		}
		in = out
	}
	return loc, states, nil
}

// OutputPath returns where stage i of plan writes.
func OutputPath(plan Plan, i int) string {
	s := plan.Stages[i]
	if p := s.OutputPath(); p != "" {
		return p
	}
	dir := artifact.OutputDir(plan.WorkDir, i+1, string(s.Kind()))
	if e, ok := s.(ExportStage); ok && e.Method == export.MethodTracing {
		return dir + filepath.Ext(artifact.TracedFileDefault)
	}
	return dir
}

// Run validates plan and executes its stages in order. Cancellation is
// observed between stages. On error the results of the stages that finished
// are returned with it.
func Run(ctx context.Context, plan Plan, opts ...Option) (results []Result, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.FromContext(ctx).With("model", plan.Model, "stages", len(plan.Stages))
	done := logger.Timed(log, "pipeline")
	defer func() { done(err) }()

	loc, _, err := Check(plan)
	if err != nil {
		return nil, err
	}
	cur, tok := loc.Model, loc.Tokenizer
	for i, s := range plan.Stages {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		out := OutputPath(plan, i)
		start := time.Now()
		r, err := runStage(ctx, s, cur, tok, out, plan.Overwrite, o)
		if err != nil {
			return results, fmt.Errorf("stage %d (%s): %w", i+1, s.Kind(), err)
		}
		r.ID = uuid.New()
		r.Kind = s.Kind()
		r.Source = cur
		r.Elapsed = time.Since(start)
		results = append(results, r)
		log.Info("stage finished", "stage", i+1, "kind", r.Kind, "output", r.Output.Path, "state", r.Output.State(), "elapsed", r.Elapsed)
		if o.recorder != nil {
			if err := o.recorder.Record(ctx, r); err != nil {
				return results, fmt.Errorf("record stage %d: %w", i+1, err)
			}
		}
		cur, tok = r.Output, r.Output.Path
		if r.Output.Format == artifact.FormatTracedGraph {
			tok = filepath.Dir(r.Output.Path)
		}
	}
	return results, nil
}

func runStage(ctx context.Context, s Stage, in artifact.ModelArtifact, tok, out string, overwrite bool, o options) (Result, error) {
	switch s := s.(type) {
	case PruneStage:
		src := o.random
		if src == nil {
			src = prune.NewSource(s.Spec.Seed)
		}
		res, err := prune.Prune(ctx, s.Spec, src, in, out, prune.WithTokenizer(tok), prune.WithOverwrite(overwrite))
		if err != nil {
			return Result{}, err
		}
		return Result{
			Output: res.Artifact, NoOp: res.NoOp,
			SourceBytes: res.SourceBytes, OutputBytes: res.OutputBytes,
			Detail: fmt.Sprintf("heads %v -> %v", res.Before, res.After),
		}, nil

	case ExportStage:
		srcBytes, err := artifact.Size(in.Path)
		if err != nil {
			return Result{}, artifact.Persist("export", in.Path, err)
		}
		a, err := export.Export(ctx, export.Request{
			ModelPath:     in.Path,
			TokenizerPath: tok,
			OutputPath:    out,
			Method:        s.Method,
			SampleText:    s.SampleText,
			SeqLen:        s.SeqLen,
			Overwrite:     overwrite,
			Workers:       o.workers,
		})
		if err != nil {
			return Result{}, err
		}
		outBytes, err := artifact.Size(a.Path)
		if err != nil {
			return Result{}, artifact.Persist("export", a.Path, err)
		}
		return Result{Output: a, SourceBytes: srcBytes, OutputBytes: outBytes, Detail: "method " + s.Method.String()}, nil

	case QuantizeStage:
		res, err := quantize.Quantize(ctx, s.Spec, in, out,
			quantize.WithTokenizer(tok), quantize.WithOverwrite(overwrite), quantize.WithWorkers(o.workers))
		if err != nil {
			return Result{}, err
		}
		return Result{
			Output: res.Artifact, NoOp: res.NoOp,
			SourceBytes: res.SourceBytes, OutputBytes: res.OutputBytes,
			Detail: fmt.Sprintf("%d tensors int8, %.2fx smaller", len(res.Tensors), res.Ratio()),
		}, nil
	}
	return Result{}, fmt.Errorf("unknown stage %T", s)
}
