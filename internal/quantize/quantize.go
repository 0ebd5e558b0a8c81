package quantize

import (
	"context"
	"slices"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/logger"
	"github.com/samcharles93/slimline/internal/tokenizer"
)

// Outcome describes a finished quantization.
type Outcome struct {
	Artifact artifact.ModelArtifact
	// NoOp is set when the input had nothing left to quantize and the
	// output is a copy of it.
	NoOp bool
	// Tensors names the weights converted to int8.
	Tensors     []string
	SourceBytes int64
	OutputBytes int64
}

// Ratio is the source size divided by the output size.
func (o Outcome) Ratio() float64 {
	if o.OutputBytes == 0 {
		return 0
	}
	return float64(o.SourceBytes) / float64(o.OutputBytes)
}

type options struct {
	overwrite bool
	tokenizer string
	workers   int
}

// Option adjusts how Quantize writes its output.
type Option func(*options)

// WithOverwrite replaces an existing output path.
func WithOverwrite(overwrite bool) Option {
	return func(o *options) { o.overwrite = overwrite }
}

// WithTokenizer copies tokenizer files from dir instead of the input path.
func WithTokenizer(dir string) Option {
	return func(o *options) { o.tokenizer = dir }
}

// WithWorkers bounds how many weights are quantized at once.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// Quantize applies spec to input and writes the result to outputPath.
// Quantizing an artifact that is already int8, or one without anything to
// quantize, succeeds with a byte copy and Outcome.NoOp set.
func Quantize(ctx context.Context, spec Spec, input artifact.ModelArtifact, outputPath string, opts ...Option) (out Outcome, err error) {
	o := options{tokenizer: input.Path}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.FromContext(ctx).With("stage", "quantize", "backend", spec.Backend, "scope", spec.Scope.String())
	done := logger.Timed(log, "quantize", "input", input.Path, "output", outputPath)
	defer func() { done(err) }()

	if err := spec.Validate(); err != nil {
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	st := input.State()
	if !slices.Contains(spec.Backend.Accepts(), st) {
		return Outcome{}, &artifact.FormatMismatchError{
			Stage:    "quantize (" + spec.Backend.String() + ")",
			Path:     input.Path,
			Expected: spec.Backend.Accepts(),
			Actual:   st,
		}
	}

	if err := artifact.CheckOutput(input.Path, outputPath); err != nil {
		return Outcome{}, err
	}
	if out.SourceBytes, err = artifact.Size(input.Path); err != nil {
		return Outcome{}, artifact.Persist("quantize", input.Path, err)
	}
	if input.Precision == artifact.Int8 {
		log.Info("input is already int8")
		err = copyArtifact(input.Path, outputPath, o)
		out.NoOp = true
	} else {
		switch spec.Backend.(type) {
		case BackendNative:
			out.Tensors, err = quantizeNative(ctx, spec, input, outputPath, o)
		case BackendInterchangeGraph:
			out.Tensors, err = quantizeGraph(ctx, spec, input, outputPath, o)
		}
		if err == nil && len(out.Tensors) == 0 {
			log.Info("nothing to quantize")
			err = copyArtifact(input.Path, outputPath, o)
			out.NoOp = true
		}
	}
	if err != nil {
		return Outcome{}, err
	}

	if out.Artifact, err = artifact.Detect(outputPath); err != nil {
		return Outcome{}, err
	}
	if out.OutputBytes, err = artifact.Size(outputPath); err != nil {
		return Outcome{}, artifact.Persist("quantize", outputPath, err)
	}
	log.Info("quantized", "tensors", len(out.Tensors), "ratio", out.Ratio(), "noop", out.NoOp)
	return out, nil
}

// copyArtifact stages a byte copy of src at dst.
func copyArtifact(src, dst string, o options) error {
	st, err := artifact.StageDir(dst, o.overwrite)
	if err != nil {
		return err
	}
	defer st.Abort()
	if err := artifact.CopyTree(src, st.Temp); err != nil {
		return artifact.Persist("copy", src, err)
	}
	if err := copyTokenizer(src, st.Temp, o); err != nil {
		return err
	}
	return st.Commit()
}

// copyTokenizer copies tokenizer files kept outside the model directory.
func copyTokenizer(src, dst string, o options) error {
	if o.tokenizer == "" || o.tokenizer == src {
		return nil
	}
	if _, err := artifact.CopyNamed(o.tokenizer, dst, tokenizer.Files); err != nil {
		return artifact.Persist("copy tokenizer", o.tokenizer, err)
	}
	return nil
}
