package quantize

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/model"
	"github.com/samcharles93/slimline/internal/tensor"
	"github.com/samcharles93/slimline/internal/tokenizer"
)

// linearCollector gathers every float32 Linear. Embedding and Other layers
// are left untouched.
type linearCollector struct {
	linears []*model.Linear
}

func (c *linearCollector) VisitLinear(l *model.Linear) error {
	if !l.Quantized() {
		c.linears = append(c.linears, l)
	}
	return nil
}

func (c *linearCollector) VisitAttention(a *model.Attention) error {
	for _, l := range a.Projections() {
		if err := c.VisitLinear(l); err != nil {
			return err
		}
	}
	return nil
}

func (*linearCollector) VisitEmbedding(*model.Embedding) error { return nil }
func (*linearCollector) VisitOther(*model.Other) error         { return nil }

// QuantizeModel converts the linear weights of m in place, at most workers
// at a time, and returns the names of the converted tensors in layer order.
func QuantizeModel(ctx context.Context, m *model.Model, workers int) ([]string, error) {
	c := &linearCollector{}
	if err := model.Walk(m, c); err != nil {
		return nil, err
	}
	qs := make([]tensor.QMat, len(c.linears))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, l := range c.linears {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			q, err := tensor.QuantiseMat(l.W)
			if err != nil {
				return &artifact.ConversionError{Layer: l.LayerName, Op: "quantize", Reason: err.Error()}
			}
			qs[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	done := make([]string, len(c.linears))
	for i, l := range c.linears {
		l.Q, l.W = &qs[i], nil
		done[i] = l.LayerName + ".weight"
	}
	return done, nil
}

func quantizeNative(ctx context.Context, spec Spec, input artifact.ModelArtifact, outputPath string, o options) ([]string, error) {
	m, err := model.Load(input.Path)
	if err != nil {
		return nil, err
	}
	done, err := QuantizeModel(ctx, m, o.workers)
	if err != nil || len(done) == 0 {
		return nil, err
	}
	m.Config.QuantizationConfig = spec.config()

	st, err := artifact.StageDir(outputPath, o.overwrite)
	if err != nil {
		return nil, err
	}
	defer st.Abort()
	if err := model.Save(m, st.Temp); err != nil {
		return nil, err
	}
	if _, err := artifact.CopyNamed(o.tokenizer, st.Temp, tokenizer.Files); err != nil {
		return nil, artifact.Persist("copy tokenizer", o.tokenizer, err)
	}
	return done, st.Commit()
}
