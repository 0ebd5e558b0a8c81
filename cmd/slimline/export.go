package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/export"
)

func exportCmd() *cli.Command {
	var (
		method string
		sample string
		seqLen int
	)

	flags := append(inputFlags(), outputFlags()...)
	flags = append(flags, computeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "method",
			Usage:       "export method (tracing, interchange-graph)",
			Value:       export.MethodInterchange.String(),
			Destination: &method,
		},
		&cli.StringFlag{
			Name:        "sample",
			Usage:       "sample text traced through the model",
			Value:       export.DefaultSample,
			Destination: &sample,
		},
		&cli.IntFlag{
			Name:        "seq-len",
			Usage:       "padded sequence length of the sample (0 = tokenizer max length)",
			Destination: &seqLen,
		},
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Freeze a native model into a traced or interchange graph",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			pinThreads(c)
			applyOutputConfig(c, fileConfig)
			applySeqLenConfig(c, fileConfig, &seqLen)

			m, err := export.ParseMethod(method)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			a, err := export.Export(ctx, export.Request{
				ModelPath:     modelPath,
				TokenizerPath: tokenizerPath,
				OutputPath:    outputPath,
				Method:        m,
				SampleText:    sample,
				SeqLen:        seqLen,
				Overwrite:     overwrite,
				Workers:       workers,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: export: %v", err), 1)
			}
			size, err := artifact.Size(a.Path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: export: %v", err), 1)
			}
			fmt.Printf("exported %s (%s, %s)\n", a.Path, a.State(), formatBytes(size))
			return nil
		},
	}
}
