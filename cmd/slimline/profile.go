package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/export"
	"github.com/samcharles93/slimline/internal/logger"
	"github.com/samcharles93/slimline/internal/profile"
	"github.com/samcharles93/slimline/internal/runner"
)

func profileCmd() *cli.Command {
	var (
		text   string
		runs   int
		warmup int
		seqLen int
		asJSON bool
	)

	flags := append(inputFlags(), computeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "text",
			Aliases:     []string{"t"},
			Usage:       "text classified on every run",
			Value:       export.DefaultSample,
			Destination: &text,
		},
		&cli.IntFlag{
			Name:        "runs",
			Usage:       "number of measured runs",
			Value:       20,
			Destination: &runs,
		},
		&cli.IntFlag{
			Name:        "warmup",
			Usage:       "number of unmeasured runs",
			Value:       2,
			Destination: &warmup,
		},
		&cli.IntFlag{
			Name:        "seq-len",
			Usage:       "padded sequence length (0 = tokenizer max length)",
			Destination: &seqLen,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the profile as JSON",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:  "profile",
		Usage: "Measure load time, latency and memory of one artifact",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			pinThreads(c)
			applySeqLenConfig(c, fileConfig, &seqLen)
			log := logger.FromContext(ctx)

			var r *runner.Runner
			load := func() error {
				var err error
				r, err = runner.Open(modelPath, tokenizerPath, runner.Options{SeqLen: seqLen, Workers: workers})
				return err
			}
			classify := func() error {
				_, err := r.Logits([]string{text})
				return err
			}
			log.Info("profiling", "model", modelPath, "runs", runs, "warmup", warmup)
			p, err := profile.Run(ctx, runs, warmup, load, classify)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: profile: %v", err), 1)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(struct {
					Artifact string `json:"artifact"`
					State    string `json:"state"`
					SeqLen   int    `json:"seq_len"`
					profile.Profile
				}{r.Artifact.Path, string(r.Artifact.State()), r.SeqLen, p}); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				return nil
			}

			fmt.Println("=== Slimline Profile ===")
			fmt.Printf("Artifact:   %s (%s)\n", r.Artifact.Path, r.Artifact.State())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Seq len:    %d\n", r.SeqLen)
			fmt.Printf("Load:       %s\n", p.Load.Round(time.Microsecond))
			fmt.Printf("Latency:    mean %s  p50 %s  p95 %s\n",
				p.Latency.Mean.Round(time.Microsecond), p.Latency.P50.Round(time.Microsecond), p.Latency.P95.Round(time.Microsecond))
			fmt.Printf("            min %s  max %s  (%d runs)\n",
				p.Latency.Min.Round(time.Microsecond), p.Latency.Max.Round(time.Microsecond), p.Latency.Runs)
			fmt.Printf("Heap:       %s in use\n", formatBytes(int64(p.After.HeapInuse)))
			if p.After.MaxRSS > 0 {
				fmt.Printf("Max RSS:    %s\n", formatBytes(p.After.MaxRSS))
			}
			fmt.Printf("CPU:        %s\n", p.CPU().Round(time.Millisecond))
			return nil
		},
	}
}
