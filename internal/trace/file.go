package trace

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/mcfstore"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/pkg/mcf"
)

// TensorSpec describes one graph input or output.
type TensorSpec struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// Signature is the GraphInfo section of a traced artifact.
type Signature struct {
	Format  string       `json:"format"`
	Inputs  []TensorSpec `json:"inputs"`
	Outputs []TensorSpec `json:"outputs"`
	// SamplePadded records whether the traced sample contained padding. A
	// trace of an unpadded sample holds no masking step.
	SamplePadded bool `json:"sample_padded"`
}

// NewSignature returns the fixed-shape signature of a program.
func NewSignature(p *Program, padded bool) Signature {
	return Signature{
		Format: artifact.FormatTracedGraph.String(),
		Inputs: []TensorSpec{
			{Name: "input_ids", DType: "int64", Shape: []int{1, p.SeqLen}},
			{Name: "attention_mask", DType: "int64", Shape: []int{1, p.SeqLen}},
		},
		Outputs:      []TensorSpec{{Name: "logits", DType: "float32", Shape: []int{1, p.Labels}}},
		SamplePadded: padded,
	}
}

// Graph is a frozen traced model: program, parameters and the source config
// and tokenizer it was traced from.
type Graph struct {
	Signature Signature
	Program   *Program
	Config    []byte
	Tokenizer []byte
	Tensors   []mcfstore.Tensor

	params Params
}

// Save writes g as a single MCF file at path.
func Save(path string, g *Graph) error {
	info, err := json.Marshal(g.Signature)
	if err != nil {
		return err
	}
	prog, err := json.Marshal(g.Program)
	if err != nil {
		return err
	}
	sections := map[mcf.SectionType][]byte{
		mcf.SectionGraphInfo:    info,
		mcf.SectionTraceProgram: prog,
		mcf.SectionHFConfigJSON: g.Config,
	}
	if len(g.Tokenizer) > 0 {
		sections[mcf.SectionTokenizerJSON] = g.Tokenizer
	}
	if err := mcfstore.Create(path, mcfstore.Contents{Sections: sections, Tensors: g.Tensors}); err != nil {
		return artifact.Persist("save traced graph", path, err)
	}
	return nil
}

// Load reads a traced artifact written by Save.
func Load(path string) (*Graph, error) {
	f, err := mcfstore.Open(path)
	if err != nil {
		return nil, artifact.Persist("load traced graph", path, err)
	}
	defer func() { _ = f.Close() }()

	g := &Graph{
		Config:    f.SectionData(mcf.SectionHFConfigJSON),
		Tokenizer: f.SectionData(mcf.SectionTokenizerJSON),
		Program:   &Program{},
		params:    Params{},
	}
	if err := unmarshalSection(f, mcf.SectionGraphInfo, &g.Signature); err != nil {
		return nil, artifact.Persist("load traced graph", path, err)
	}
	if err := unmarshalSection(f, mcf.SectionTraceProgram, g.Program); err != nil {
		return nil, artifact.Persist("load traced graph", path, err)
	}
	for _, name := range f.Names() {
		data, shape, err := f.ReadTensorF32(name)
		if err != nil {
			return nil, artifact.Persist("load traced graph", path, err)
		}
		g.Tensors = append(g.Tensors, mcfstore.Tensor{Name: name, Shape: shape, Data: data})
		rows, cols := 1, shape[len(shape)-1]
		if len(shape) == 2 {
			rows = shape[0]
		}
		g.params[name] = tensor.NewMatFromData(rows, cols, data)
	}
	return g, nil
}

func unmarshalSection(f *mcfstore.File, t mcf.SectionType, v any) error {
	raw := f.SectionData(t)
	if raw == nil {
		return fmt.Errorf("missing %s section", t)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s section: %w", t, err)
	}
	return nil
}

// SeqLen is the only sequence length the graph accepts.
func (g *Graph) SeqLen() int { return g.Program.SeqLen }

// Logits replays the program on one sequence.
func (g *Graph) Logits(ids, mask []int64, workers int) ([]float32, error) {
	if g.params == nil {
		g.params = Params{}
		for _, t := range g.Tensors {
			rows, cols := 1, t.Shape[len(t.Shape)-1]
			if len(t.Shape) == 2 {
				rows = t.Shape[0]
			}
			g.params[t.Name] = tensor.NewMatFromData(rows, cols, t.Data)
		}
	}
	return g.Program.Run(g.params, ids, mask, workers)
}
