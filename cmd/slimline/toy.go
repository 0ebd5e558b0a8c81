package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/toy"
)

func toyCmd() *cli.Command {
	var (
		out  string
		opts = toy.DefaultOptions()
	)

	return &cli.Command{
		Name:  "toy",
		Usage: "Write a small seeded random classifier for experiments",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output directory", Destination: &out, Required: true},
			&cli.IntFlag{Name: "hidden", Usage: "hidden size", Value: opts.Hidden, Destination: &opts.Hidden},
			&cli.IntFlag{Name: "layers", Usage: "encoder layers", Value: opts.Layers, Destination: &opts.Layers},
			&cli.IntFlag{Name: "heads", Usage: "attention heads per layer (must divide hidden)", Value: opts.Heads, Destination: &opts.Heads},
			&cli.IntFlag{Name: "intermediate", Usage: "feed-forward width", Value: opts.Intermediate, Destination: &opts.Intermediate},
			&cli.IntFlag{Name: "max-pos", Usage: "max position embeddings and tokenizer max length", Value: opts.MaxPos, Destination: &opts.MaxPos},
			&cli.IntFlag{Name: "labels", Usage: "number of classes", Value: opts.Labels, Destination: &opts.Labels},
			&cli.Uint64Flag{Name: "seed", Usage: "weight seed", Value: opts.Seed, Destination: &opts.Seed},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if opts.Heads <= 0 || opts.Hidden%opts.Heads != 0 {
				return cli.Exit(fmt.Sprintf("error: %d heads do not divide hidden size %d", opts.Heads, opts.Hidden), 1)
			}
			if _, err := os.Stat(out); err == nil {
				return cli.Exit(fmt.Sprintf("error: %s already exists", out), 1)
			}
			m, err := toy.Write(out, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: write toy model: %v", err), 1)
			}
			fmt.Printf("wrote %s: %d layers, heads %s, hidden %d\n", out, len(m.Encoder), formatHeads(m.HeadCounts()), opts.Hidden)
			return nil
		},
	}
}
