package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/prune"
)

func pruneCmd() *cli.Command {
	var (
		fraction float64
		policy   string
		seed     uint64
	)

	flags := append(inputFlags(), outputFlags()...)
	flags = append(flags, computeFlags()...)
	flags = append(flags,
		&cli.Float64Flag{
			Name:        "fraction",
			Aliases:     []string{"f"},
			Usage:       "fraction of attention heads to remove, in [0, 1)",
			Destination: &fraction,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "policy",
			Usage:       "head budget (per-layer, global)",
			Value:       prune.PolicyPerLayer.String(),
			Destination: &policy,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "seed of the head selection",
			Value:       prune.DefaultSeed,
			Destination: &seed,
		},
	)

	return &cli.Command{
		Name:  "prune",
		Usage: "Remove a random fraction of attention heads from a native model",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			pinThreads(c)
			applyOutputConfig(c, fileConfig)
			applySeedConfig(c, fileConfig, &seed)

			spec := prune.DefaultSpec(fraction)
			spec.Seed = seed
			var err error
			if spec.Policy, err = prune.ParsePolicy(policy); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			loc, err := artifact.Locate(modelPath, tokenizerPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			out, err := prune.Prune(ctx, spec, nil, loc.Model, outputPath,
				prune.WithTokenizer(loc.Tokenizer),
				prune.WithOverwrite(overwrite),
			)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: prune: %v", err), 1)
			}
			if out.NoOp {
				fmt.Printf("fraction 0; copied to %s\n", out.Artifact.Path)
				return nil
			}
			fmt.Printf("pruned %s -> %s\n", loc.Model.Path, out.Artifact.Path)
			fmt.Printf("heads  %s -> %s\n", formatHeads(out.Before), formatHeads(out.After))
			fmt.Printf("size   %s -> %s (%s)\n", formatBytes(out.SourceBytes), formatBytes(out.OutputBytes), formatRatio(out.SourceBytes, out.OutputBytes))
			return nil
		},
	}
}
