package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/eval"
	"github.com/samcharles93/slimline/internal/logger"
	"github.com/samcharles93/slimline/internal/runner"
)

// comparison is the evaluation of one artifact against the shared dataset.
type comparison struct {
	path   string
	size   int64
	report eval.Report
	padded bool
}

func compareCmd() *cli.Command {
	var (
		basePath string
		models   []string
		dataPath string
		jobs     int
		seqLen   int
	)

	flags := append(computeFlags(),
		&cli.StringFlag{
			Name:        "base",
			Aliases:     []string{"b"},
			Usage:       "reference artifact",
			Destination: &basePath,
			Required:    true,
		},
		&cli.StringSliceFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "artifact compared against the base (repeatable)",
			Destination: &models,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "data",
			Aliases:     []string{"d"},
			Usage:       "labeled dataset, one label<TAB>text example per line",
			Destination: &dataPath,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "jobs",
			Aliases:     []string{"j"},
			Usage:       "artifacts evaluated concurrently",
			Value:       1,
			Destination: &jobs,
		},
		&cli.IntFlag{
			Name:        "seq-len",
			Usage:       "padded sequence length (0 = tokenizer max length)",
			Destination: &seqLen,
		},
	)

	return &cli.Command{
		Name:  "compare",
		Usage: "Compare artifacts against a base: size, logit drift, accuracy and latency",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if !c.IsSet("threads") && fileConfig.Threads == nil {
				threads = max(jobs, 1)
			}
			pinThreads(c)
			applySeqLenConfig(c, fileConfig, &seqLen)

			data, err := eval.LoadTSV(dataPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			paths := append([]string{basePath}, models...)
			results, err := compareAll(ctx, paths, data, jobs, runner.Options{SeqLen: seqLen, Workers: workers})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: compare: %v", err), 1)
			}
			if err := renderComparison(results); err != nil {
				return cli.Exit(fmt.Sprintf("error: compare: %v", err), 1)
			}
			return nil
		},
	}
}

// compareAll evaluates every artifact on data, at most jobs at a time. Each
// artifact gets its own runner, so evaluations share nothing.
func compareAll(ctx context.Context, paths []string, data []eval.Example, jobs int, opts runner.Options) ([]comparison, error) {
	log := logger.FromContext(ctx)
	out := make([]comparison, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(jobs, 1))
	for i, path := range paths {
		g.Go(func() error {
			r, err := runner.Open(path, "", opts)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			size, err := artifact.Size(r.Artifact.Path)
			if err != nil {
				return artifact.Persist("compare", path, err)
			}
			rep, err := eval.Evaluate(logger.WithContext(gctx, log.With("job", i)), r, data, eval.DefaultBatch)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			out[i] = comparison{path: path, size: size, report: rep, padded: r.Padded}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func renderComparison(results []comparison) error {
	base := results[0]
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"artifact", "state", "size", "ratio", "max |dlogit|", "agreement", "accuracy", "p50"})
	table.SetBorder(false)
	for i, r := range results {
		drift, agree := "-", "-"
		if i > 0 {
			d, err := eval.Diverge(base.report.Logits, r.report.Logits)
			if err != nil {
				return fmt.Errorf("%s: %w", r.path, err)
			}
			drift = fmt.Sprintf("%.2e", d.MaxAbs)
			agree = fmt.Sprintf("%.3f", d.Agreement)
		}
		name := r.path
		if !r.padded {
			name += " (unmasked)"
		}
		table.Append([]string{
			name,
			string(r.report.Artifact.State()),
			formatBytes(r.size),
			formatRatio(base.size, r.size),
			drift,
			agree,
			fmt.Sprintf("%.4f", r.report.Accuracy),
			r.report.Latency.P50.Round(time.Microsecond).String(),
		})
	}
	table.Render()
	return nil
}
