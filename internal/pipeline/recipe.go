package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/export"
	"github.com/samcharles93/slimline/internal/prune"
	"github.com/samcharles93/slimline/internal/quantize"
)

// Recipe is the YAML or JSON form of a Plan.
//
//	model: ./models/base
//	work_dir: ./runs/small
//	stages:
//	  - prune: {fraction: 0.25, seed: 7}
//	  - export: {method: interchange-graph, seq_len: 128}
//	  - quantize: {backend: interchange-graph, scope: linear+embedding}
type Recipe struct {
	Model     string       `json:"model" yaml:"model"`
	Tokenizer string       `json:"tokenizer,omitempty" yaml:"tokenizer,omitempty"`
	WorkDir   string       `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Overwrite bool         `json:"overwrite,omitempty" yaml:"overwrite,omitempty"`
	Stages    []RecipeStep `json:"stages" yaml:"stages"`
}

// RecipeStep holds exactly one stage.
type RecipeStep struct {
	Prune    *PruneStep    `json:"prune,omitempty" yaml:"prune,omitempty"`
	Export   *ExportStep   `json:"export,omitempty" yaml:"export,omitempty"`
	Quantize *QuantizeStep `json:"quantize,omitempty" yaml:"quantize,omitempty"`
}

type PruneStep struct {
	Fraction    float64 `json:"fraction" yaml:"fraction"`
	Selection   string  `json:"selection,omitempty" yaml:"selection,omitempty"`
	Granularity string  `json:"granularity,omitempty" yaml:"granularity,omitempty"`
	Policy      string  `json:"policy,omitempty" yaml:"policy,omitempty"`
	Seed        *uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`
	Output      string  `json:"output,omitempty" yaml:"output,omitempty"`
}

type ExportStep struct {
	Method string `json:"method" yaml:"method"`
	Sample string `json:"sample,omitempty" yaml:"sample,omitempty"`
	SeqLen int    `json:"seq_len,omitempty" yaml:"seq_len,omitempty"`
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
}

type QuantizeStep struct {
	Backend string `json:"backend" yaml:"backend"`
	Scope   string `json:"scope,omitempty" yaml:"scope,omitempty"`
	Mode    string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Output  string `json:"output,omitempty" yaml:"output,omitempty"`
}

// ParseRecipe decodes a YAML recipe. Unknown keys are rejected.
func ParseRecipe(r io.Reader) (Recipe, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var rc Recipe
	if err := dec.Decode(&rc); err != nil && !errors.Is(err, io.EOF) {
		return Recipe{}, fmt.Errorf("parse recipe: %w", err)
	}
	return rc, nil
}

// LoadRecipe reads a recipe file and converts it to a Plan. Relative paths
// are resolved against the recipe's directory.
func LoadRecipe(path string) (Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, artifact.Persist("load recipe", path, err)
	}
	rc, err := ParseRecipe(bytes.NewReader(raw))
	if err != nil {
		return Plan{}, err
	}
	return rc.Plan(filepath.Dir(path))
}

// Plan converts the recipe, resolving relative paths against base.
func (rc Recipe) Plan(base string) (Plan, error) {
	if rc.Model == "" {
		return Plan{}, &artifact.SpecError{Field: "model", Value: ""}
	}
	p := Plan{
		Model:     resolve(base, rc.Model),
		Tokenizer: resolve(base, rc.Tokenizer),
		WorkDir:   resolve(base, rc.WorkDir),
		Overwrite: rc.Overwrite,
	}
	for i, step := range rc.Stages {
		s, err := step.stage(base)
		if err != nil {
			return Plan{}, fmt.Errorf("stage %d: %w", i+1, err)
		}
		p.Stages = append(p.Stages, s)
	}
	return p, nil
}

func (st RecipeStep) stage(base string) (Stage, error) {
	n := 0
	for _, set := range []bool{st.Prune != nil, st.Export != nil, st.Quantize != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return nil, &artifact.SpecError{Field: "stage", Value: fmt.Sprintf("%d kinds", n), Allowed: kindNames}
	}
	switch {
	case st.Prune != nil:
		return st.Prune.stage(base)
	case st.Export != nil:
		return st.Export.stage(base)
	default:
		return st.Quantize.stage(base)
	}
}

func (s *PruneStep) stage(base string) (Stage, error) {
	spec := prune.DefaultSpec(s.Fraction)
	var err error
	if s.Selection != "" {
		if spec.Selection, err = prune.ParseSelection(s.Selection); err != nil {
			return nil, err
		}
	}
	if s.Granularity != "" {
		if spec.Granularity, err = prune.ParseGranularity(s.Granularity); err != nil {
			return nil, err
		}
	}
	if s.Policy != "" {
		if spec.Policy, err = prune.ParsePolicy(s.Policy); err != nil {
			return nil, err
		}
	}
	if s.Seed != nil {
		spec.Seed = *s.Seed
	}
	return PruneStage{Spec: spec, Output: resolve(base, s.Output)}, nil
}

func (s *ExportStep) stage(base string) (Stage, error) {
	m, err := export.ParseMethod(s.Method)
	if err != nil {
		return nil, err
	}
	return ExportStage{Method: m, SampleText: s.Sample, SeqLen: s.SeqLen, Output: resolve(base, s.Output)}, nil
}

func (s *QuantizeStep) stage(base string) (Stage, error) {
	var spec quantize.Spec
	var err error
	if spec.Backend, err = quantize.ParseBackend(s.Backend); err != nil {
		return nil, err
	}
	if s.Scope != "" {
		if spec.Scope, err = quantize.ParseScope(s.Scope); err != nil {
			return nil, err
		}
	}
	if s.Mode != "" {
		if spec.Mode, err = quantize.ParseMode(s.Mode); err != nil {
			return nil, err
		}
	}
	return QuantizeStage{Spec: spec, Output: resolve(base, s.Output)}, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" {
		return p
	}
	return filepath.Join(base, p)
}
