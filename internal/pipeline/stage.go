// Package pipeline chains prune, export and quantize stages over artifacts
// on disk. Every stage reloads its input from the previous stage's output.
package pipeline

import (
	"fmt"
	"slices"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/export"
	"github.com/samcharles93/slimline/internal/prune"
	"github.com/samcharles93/slimline/internal/quantize"
)

// Kind names a stage.
type Kind string

const (
	KindPrune    Kind = "prune"
	KindExport   Kind = "export"
	KindQuantize Kind = "quantize"
)

// rank orders the kinds; a plan must be strictly increasing in rank.
func (k Kind) rank() int {
	switch k {
	case KindPrune:
		return 0
	case KindExport:
		return 1
	default:
		return 2
	}
}

// Stage is one of PruneStage, ExportStage or QuantizeStage.
type Stage interface {
	Kind() Kind
	// Transition returns the state this stage produces from in, or a
	// FormatMismatchError when it cannot consume in.
	Transition(in artifact.State) (artifact.State, error)
	// OutputPath is the explicit output, or "" to derive one from the work
	// directory.
	OutputPath() string
	stage()
}

// PruneStage removes attention heads from a native float32 model.
type PruneStage struct {
	Spec   prune.Spec
	Output string
}

func (PruneStage) Kind() Kind           { return KindPrune }
func (s PruneStage) OutputPath() string { return s.Output }
func (PruneStage) stage()               {}

func (s PruneStage) Transition(in artifact.State) (artifact.State, error) {
	if err := s.Spec.Validate(); err != nil {
		return "", err
	}
	return expect(KindPrune, in, []artifact.State{artifact.StateNativeF32}, artifact.StateNativeF32)
}

// ExportStage freezes a native float32 model into a graph.
type ExportStage struct {
	Method     export.Method
	SampleText string
	SeqLen     int
	Output     string
}

func (ExportStage) Kind() Kind           { return KindExport }
func (s ExportStage) OutputPath() string { return s.Output }
func (ExportStage) stage()               {}

func (s ExportStage) Transition(in artifact.State) (artifact.State, error) {
	out := artifact.StateGraphF32
	if s.Method == export.MethodTracing {
		out = artifact.StateTraced
	}
	return expect(KindExport, in, []artifact.State{artifact.StateNativeF32}, out)
}

// QuantizeStage converts weights to int8 with Spec.Backend.
type QuantizeStage struct {
	Spec   quantize.Spec
	Output string
}

func (QuantizeStage) Kind() Kind           { return KindQuantize }
func (s QuantizeStage) OutputPath() string { return s.Output }
func (QuantizeStage) stage()               {}

func (s QuantizeStage) Transition(in artifact.State) (artifact.State, error) {
	if err := s.Spec.Validate(); err != nil {
		return "", err
	}
	out := artifact.StateNativeI8
	if _, ok := s.Spec.Backend.(quantize.BackendInterchangeGraph); ok {
		out = artifact.StateGraphI8
	}
	stage := fmt.Sprintf("%s (%s)", KindQuantize, s.Spec.Backend)
	return expect(Kind(stage), in, s.Spec.Backend.Accepts(), out)
}

func expect(k Kind, in artifact.State, accepts []artifact.State, out artifact.State) (artifact.State, error) {
	if !slices.Contains(accepts, in) {
		return "", &artifact.FormatMismatchError{Stage: string(k), Expected: accepts, Actual: in}
	}
	return out, nil
}

// Validate walks the state machine from initial through stages and returns
// the state after each stage. Stages must appear in prune, export, quantize
// order, each at most once. Nothing is read or written.
func Validate(initial artifact.State, stages []Stage) ([]artifact.State, error) {
	states := make([]artifact.State, 0, len(stages))
	cur, last := initial, -1
	for i, s := range stages {
		if s == nil {
			return nil, &artifact.SpecError{Field: fmt.Sprintf("stage %d", i+1), Value: "<nil>", Allowed: kindNames}
		}
		next, err := s.Transition(cur)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i+1, err)
		}
		r := s.Kind().rank()
		if r <= last {
			return nil, &artifact.SpecError{
				Field:   fmt.Sprintf("stage %d", i+1),
				Value:   string(s.Kind()) + " after " + string(stages[i-1].Kind()),
				Allowed: []string{"prune, export, quantize in that order, each at most once"},
			}
		}
		last = r
		states = append(states, next)
		cur = next
	}
	return states, nil
}

var kindNames = []string{string(KindPrune), string(KindExport), string(KindQuantize)}
