package eval

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/logger"
	"github.com/samcharles93/slimline/internal/profile"
	"github.com/samcharles93/slimline/internal/runner"
)

// DefaultBatch is the number of examples classified per call.
const DefaultBatch = 16

// Report is the outcome of Evaluate.
type Report struct {
	Artifact    artifact.ModelArtifact
	Examples    int
	Accuracy    float64
	Confusion   *Confusion
	Latency     profile.Latency
	Predictions []runner.Prediction
	// Logits holds the raw output of every example, in dataset order.
	Logits [][]float32
}

// LabelIndex resolves a dataset label against the model's labels: an exact
// or case-insensitive name, or a class index.
func LabelIndex(labels []string, label string) (int, error) {
	for i, l := range labels {
		if l == label {
			return i, nil
		}
	}
	for i, l := range labels {
		if strings.EqualFold(l, label) {
			return i, nil
		}
	}
	if i, err := strconv.Atoi(label); err == nil && i >= 0 && i < len(labels) {
		return i, nil
	}
	return -1, &artifact.SpecError{Field: "label", Value: label, Allowed: labels, Suggestion: artifact.Closest(label, labels)}
}

// Evaluate classifies every example with r in batches and scores the
// predictions. Latency is measured per example.
func Evaluate(ctx context.Context, r *runner.Runner, data []Example, batch int) (rep Report, err error) {
	if batch <= 0 {
		batch = DefaultBatch
	}
	log := logger.FromContext(ctx).With("artifact", r.Artifact.Path)
	done := logger.Timed(log, "evaluate", "examples", len(data))
	defer func() { done(err) }()

	actual := make([]int, len(data))
	for i, ex := range data {
		if actual[i], err = LabelIndex(r.Labels, ex.Label); err != nil {
			return Report{}, fmt.Errorf("example %d: %w", i+1, err)
		}
	}

	rep = Report{Artifact: r.Artifact, Examples: len(data), Confusion: NewConfusion(r.Labels)}
	var samples []time.Duration
	for start := 0; start < len(data); start += batch {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		end := min(start+batch, len(data))
		texts := make([]string, 0, end-start)
		for _, ex := range data[start:end] {
			texts = append(texts, ex.Text)
		}
		t0 := time.Now()
		preds, err := r.Classify(texts)
		if err != nil {
			return Report{}, err
		}
		per := time.Since(t0) / time.Duration(len(texts))
		for i, p := range preds {
			samples = append(samples, per)
			rep.Confusion.Add(actual[start+i], p.Index)
			rep.Logits = append(rep.Logits, p.Logits)
		}
		rep.Predictions = append(rep.Predictions, preds...)
	}
	rep.Accuracy = rep.Confusion.Accuracy()
	rep.Latency = profile.Summarize(samples)
	log.Info("evaluated", "accuracy", rep.Accuracy, "latency", rep.Latency.Mean)
	return rep, nil
}

// Divergence measures how far one artifact's logits drift from a base.
type Divergence struct {
	MaxAbs  float64 `json:"max_abs"`
	MeanAbs float64 `json:"mean_abs"`
	// Agreement is the fraction of examples whose argmax matches.
	Agreement float64 `json:"agreement"`
}

// Diverge compares two logit sets row by row.
func Diverge(base, other [][]float32) (Divergence, error) {
	if len(base) != len(other) {
		return Divergence{}, fmt.Errorf("eval: %d base rows, %d compared rows", len(base), len(other))
	}
	if len(base) == 0 {
		return Divergence{}, nil
	}
	var d Divergence
	var sum float64
	var n, agree int
	for i := range base {
		if len(base[i]) != len(other[i]) || len(base[i]) == 0 {
			return Divergence{}, fmt.Errorf("eval: row %d has %d and %d logits", i, len(base[i]), len(other[i]))
		}
		a, b := widen(base[i]), widen(other[i])
		d.MaxAbs = max(d.MaxAbs, floats.Distance(a, b, math.Inf(1)))
		sum += floats.Distance(a, b, 1)
		n += len(a)
		if floats.MaxIdx(a) == floats.MaxIdx(b) {
			agree++
		}
	}
	d.MeanAbs = sum / float64(n)
	d.Agreement = float64(agree) / float64(len(base))
	return d, nil
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
