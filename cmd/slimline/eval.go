package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/eval"
	"github.com/samcharles93/slimline/internal/ledger"
	"github.com/samcharles93/slimline/internal/runner"
)

func evalCmd() *cli.Command {
	var (
		dataPath   string
		batch      int
		seqLen     int
		ledgerPath string
		confusion  bool
	)

	flags := append(inputFlags(), computeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "data",
			Aliases:     []string{"d"},
			Usage:       "labeled dataset, one label<TAB>text example per line",
			Destination: &dataPath,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "batch",
			Usage:       "examples classified per call",
			Value:       eval.DefaultBatch,
			Destination: &batch,
		},
		&cli.IntFlag{
			Name:        "seq-len",
			Usage:       "padded sequence length (0 = tokenizer max length)",
			Destination: &seqLen,
		},
		&cli.StringFlag{
			Name:        "ledger",
			Usage:       "sqlite file that records the evaluation",
			Destination: &ledgerPath,
		},
		&cli.BoolFlag{
			Name:        "confusion",
			Usage:       "print the confusion matrix",
			Destination: &confusion,
		},
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Score an artifact on a labeled dataset",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			pinThreads(c)
			applySeqLenConfig(c, fileConfig, &seqLen)
			applyLedgerConfig(c, fileConfig, &ledgerPath)

			data, err := eval.LoadTSV(dataPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			r, err := runner.Open(modelPath, tokenizerPath, runner.Options{SeqLen: seqLen, Workers: workers})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open model: %v", err), 1)
			}
			rep, err := eval.Evaluate(ctx, r, data, batch)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: eval: %v", err), 1)
			}

			fmt.Printf("Artifact: %s (%s)\n", rep.Artifact.Path, rep.Artifact.State())
			fmt.Printf("Examples: %d\n", rep.Examples)
			fmt.Printf("Accuracy: %.4f\n", rep.Accuracy)
			fmt.Printf("Latency:  mean %s  p95 %s per example\n",
				rep.Latency.Mean.Round(time.Microsecond), rep.Latency.P95.Round(time.Microsecond))
			if !r.Padded {
				fmt.Println("warning: traced without padding; attention masks are ignored")
			}
			if confusion {
				fmt.Println()
				rep.Confusion.Render(os.Stdout)
			}

			if ledgerPath != "" {
				l, err := ledger.Open(ledgerPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer func() { _ = l.Close() }()
				if _, err := l.RecordEval(ctx, dataPath, rep); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			return nil
		},
	}
}
