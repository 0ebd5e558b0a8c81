package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/ledger"
	"github.com/samcharles93/slimline/internal/pipeline"
)

func pipelineCmd() *cli.Command {
	var (
		recipePath string
		ledgerPath string
		dryRun     bool
	)

	flags := append(computeFlags(),
		&cli.StringFlag{
			Name:        "recipe",
			Aliases:     []string{"r"},
			Usage:       "YAML recipe describing the model and its stages",
			Destination: &recipePath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "ledger",
			Usage:       "sqlite file that records every finished stage",
			Destination: &ledgerPath,
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Usage:       "validate the recipe and print the state chain without running it",
			Destination: &dryRun,
		},
		&cli.BoolFlag{
			Name:        "overwrite",
			Usage:       "replace existing stage outputs",
			Destination: &overwrite,
		},
	)

	return &cli.Command{
		Name:  "pipeline",
		Usage: "Run a prune, export and quantize chain from a recipe",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			pinThreads(c)
			applyLedgerConfig(c, fileConfig, &ledgerPath)

			plan, err := pipeline.LoadRecipe(recipePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if plan.WorkDir == "" {
				plan.WorkDir = fileConfig.WorkDir
			}
			if c.IsSet("overwrite") {
				plan.Overwrite = overwrite
			}

			loc, states, err := pipeline.Check(plan)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if dryRun {
				fmt.Printf("%-10s %s\n", "input", loc.Model.State())
				for i, s := range plan.Stages {
					fmt.Printf("%-10s %s -> %s\n", s.Kind(), states[i], pipeline.OutputPath(plan, i))
				}
				return nil
			}

			opts := []pipeline.Option{pipeline.WithWorkers(workers)}
			if ledgerPath != "" {
				l, err := ledger.Open(ledgerPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer func() { _ = l.Close() }()
				opts = append(opts, pipeline.WithRecorder(l))
			}

			results, err := pipeline.Run(ctx, plan, opts...)
			if len(results) > 0 {
				renderResults(results)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: pipeline: %v", err), 1)
			}
			return nil
		},
	}
}

func renderResults(results []pipeline.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"stage", "output", "state", "size", "ratio", "elapsed", "detail"})
	table.SetBorder(false)
	for _, r := range results {
		detail := r.Detail
		if r.NoOp {
			detail = "no-op copy"
		}
		table.Append([]string{
			string(r.Kind),
			r.Output.Path,
			string(r.Output.State()),
			formatBytes(r.OutputBytes),
			formatRatio(r.SourceBytes, r.OutputBytes),
			r.Elapsed.Round(time.Millisecond).String(),
			detail,
		})
	}
	table.Render()
}
