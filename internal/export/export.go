// Package export freezes a native model into a traced graph file or an
// interchange graph directory.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/graph"
	"github.com/samcharles93/slimline/internal/logger"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/tokenizer"
	"github.com/samcharles93/slimline/internal/trace"
)

// Method selects the export target.
type Method int

const (
	MethodTracing Method = iota
	MethodInterchange
)

var methodNames = []string{"tracing", "interchange-graph"}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// ParseMethod parses "tracing" or "interchange-graph".
func ParseMethod(s string) (Method, error) {
	i, err := artifact.ParseChoice("export method", s, methodNames)
	return Method(i), err
}

// DefaultSample is traced when a request names no sample text.
const DefaultSample = "the movie was not very good, but the acting was great."

// Tolerance is the largest logit difference an export may introduce.
const Tolerance = 1e-4

// Request describes one export.
type Request struct {
	ModelPath     string
	TokenizerPath string
	OutputPath    string
	Method        Method
	// SampleText is the representative input. It is padded to SeqLen the
	// way the tokenizer pads by default.
	SampleText string
	// SeqLen is the traced sequence length; 0 uses the tokenizer max length.
	SeqLen    int
	Overwrite bool
	Workers   int
}

// Export converts a native float32 model to req.Method's format and checks
// that the result reproduces the source logits on the sample.
func Export(ctx context.Context, req Request) (out artifact.ModelArtifact, err error) {
	log := logger.FromContext(ctx).With("stage", "export", "method", req.Method.String())
	done := logger.Timed(log, "export", "input", req.ModelPath, "output", req.OutputPath)
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return artifact.ModelArtifact{}, err
	}
	loc, err := artifact.Locate(req.ModelPath, req.TokenizerPath)
	if err != nil {
		return artifact.ModelArtifact{}, err
	}
	if err := artifact.CheckOutput(loc.Model.Path, req.OutputPath); err != nil {
		return artifact.ModelArtifact{}, err
	}
	if st := loc.Model.State(); st != artifact.StateNativeF32 {
		return artifact.ModelArtifact{}, &artifact.FormatMismatchError{
			Stage:    "export",
			Path:     loc.Model.Path,
			Expected: []artifact.State{artifact.StateNativeF32},
			Actual:   st,
		}
	}
	m, tok, err := model.LoadWithTokenizer(loc)
	if err != nil {
		return artifact.ModelArtifact{}, err
	}

	text := req.SampleText
	if text == "" {
		text = DefaultSample
	}
	enc, err := tok.EncodeFixed(text, req.SeqLen)
	if err != nil {
		return artifact.ModelArtifact{}, &artifact.ConversionError{Op: "input", Reason: err.Error()}
	}
	if err := m.CheckInput(enc.IDs, enc.Mask); err != nil {
		return artifact.ModelArtifact{}, err
	}
	log.Debug("sample encoded", "seq_len", len(enc.IDs), "padded", enc.Padded())

	switch req.Method {
	case MethodTracing:
		err = exportTraced(m, tok, enc, req)
	case MethodInterchange:
		err = exportInterchange(m, loc, enc, req)
	default:
		err = &artifact.SpecError{Field: "export method", Value: req.Method.String(), Allowed: methodNames}
	}
	if err != nil {
		return artifact.ModelArtifact{}, err
	}
	return artifact.Detect(req.OutputPath)
}

func exportTraced(m *model.Model, tok *tokenizer.WordPiece, enc tokenizer.Encoding, req Request) error {
	rec := trace.NewRecorder(enc.IDs, enc.Mask, req.Workers)
	want, err := model.Forward(rec, m, enc.IDs, enc.Mask)
	if err != nil {
		return err
	}
	prog, err := rec.Program(want, len(enc.IDs))
	if err != nil {
		return err
	}
	cfg, err := m.Config.MarshalJSON()
	if err != nil {
		return artifact.Persist("export config", req.ModelPath, err)
	}
	tj, err := tok.MarshalJSON()
	if err != nil {
		return artifact.Persist("export tokenizer", req.ModelPath, err)
	}
	g := &trace.Graph{
		Signature: trace.NewSignature(prog, enc.Padded()),
		Program:   prog,
		Config:    cfg,
		Tokenizer: tj,
		Tensors:   rec.Tensors(),
	}

	st, err := artifact.StageFile(req.OutputPath, req.Overwrite)
	if err != nil {
		return err
	}
	defer st.Abort()
	if err := trace.Save(st.Temp, g); err != nil {
		return err
	}
	loaded, err := trace.Load(st.Temp)
	if err != nil {
		return err
	}
	got, err := loaded.Logits(enc.IDs, enc.Mask, req.Workers)
	if err != nil {
		return err
	}
	if err := verify("trace", want.Data, got); err != nil {
		return err
	}
	return st.Commit()
}

func exportInterchange(m *model.Model, loc artifact.Location, enc tokenizer.Encoding, req Request) error {
	want, err := model.Forward(model.Eager{Workers: req.Workers}, m, enc.IDs, enc.Mask)
	if err != nil {
		return err
	}
	gm, err := Lower(m)
	if err != nil {
		return err
	}
	cfg, err := m.Config.MarshalJSON()
	if err != nil {
		return artifact.Persist("export config", req.ModelPath, err)
	}

	st, err := artifact.StageDir(req.OutputPath, req.Overwrite)
	if err != nil {
		return err
	}
	defer st.Abort()
	if err := graph.Save(st.Temp, gm); err != nil {
		return artifact.Persist("save graph", st.Final, err)
	}
	if err := writeFile(st.Path(artifact.ConfigFile), cfg); err != nil {
		return err
	}
	if _, err := artifact.CopyNamed(loc.Tokenizer, st.Temp, tokenizer.Files); err != nil {
		return artifact.Persist("copy tokenizer", loc.Tokenizer, err)
	}

	got, err := RunGraph(st.Temp, enc.IDs, enc.Mask, req.Workers)
	if err != nil {
		return err
	}
	if err := verify("interchange graph", want.Data, got); err != nil {
		return err
	}
	return st.Commit()
}

// RunGraph loads the interchange graph in dir and evaluates one sequence.
func RunGraph(dir string, ids, mask []int64, workers int) ([]float32, error) {
	gm, err := graph.Load(dir)
	if err != nil {
		return nil, artifact.Persist("load graph", filepath.Join(dir, graph.ModelFile), err)
	}
	s, err := graph.NewSession(gm, workers)
	if err != nil {
		return nil, &artifact.ConversionError{Op: "session", Reason: err.Error()}
	}
	logits, err := Run(s, [][]int64{ids}, [][]int64{mask})
	if err != nil {
		return nil, err
	}
	return logits[0], nil
}

// Run evaluates a batch of equal-length sequences on an interchange graph.
func Run(s *graph.Session, ids, mask [][]int64) ([][]float32, error) {
	if len(ids) == 0 || len(ids) != len(mask) {
		return nil, &artifact.ConversionError{Op: "input", Reason: "batch sizes differ or are empty", Expected: []int{len(ids)}, Actual: []int{len(mask)}}
	}
	seq := len(ids[0])
	flatIDs := make([]int64, 0, len(ids)*seq)
	flatMask := make([]int64, 0, len(ids)*seq)
	for b := range ids {
		if len(ids[b]) != seq || len(mask[b]) != seq {
			return nil, &artifact.ConversionError{Op: "input", Reason: fmt.Sprintf("sequence %d has a different length", b), Expected: []int{seq}, Actual: []int{len(ids[b])}}
		}
		flatIDs = append(flatIDs, ids[b]...)
		flatMask = append(flatMask, mask[b]...)
	}
	dims := []int64{int64(len(ids)), int64(seq)}
	out, err := s.Run(map[string]*graph.Tensor{
		InputIDs:      graph.Int64Tensor(InputIDs, dims, flatIDs),
		AttentionMask: graph.Int64Tensor(AttentionMask, dims, flatMask),
	})
	if err != nil {
		return nil, &artifact.ConversionError{Op: "run", Reason: err.Error()}
	}
	logits := out[OutputLogits]
	if logits == nil || len(logits.Dims) != 2 {
		return nil, &artifact.ConversionError{Op: "run", Reason: "graph produced no [batch, labels] logits"}
	}
	labels := int(logits.Dims[1])
	rows := make([][]float32, len(ids))
	for b := range rows {
		rows[b] = logits.F32[b*labels : (b+1)*labels]
	}
	return rows, nil
}

func verify(what string, want, got []float32) error {
	if len(want) != len(got) {
		return &artifact.ConversionError{Op: "verify", Reason: what + " output width differs", Expected: []int{len(want)}, Actual: []int{len(got)}}
	}
	if d := tensor.MaxAbsDiff(want, got); d > Tolerance {
		return &artifact.ConversionError{Op: "verify", Reason: fmt.Sprintf("%s logits differ from the source by %g", what, d)}
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return artifact.Persist("write", path, err)
	}
	return nil
}
