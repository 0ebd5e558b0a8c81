package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/artifact"
	"github.com/samcharles93/slimline/internal/quantize"
)

func quantizeCmd() *cli.Command {
	var (
		backend string
		scope   string
		mode    string
	)

	flags := append(inputFlags(), outputFlags()...)
	flags = append(flags, computeFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "quantization backend (native, interchange-graph); defaults to the input's format",
			Destination: &backend,
		},
		&cli.StringFlag{
			Name:        "scope",
			Usage:       "weights to quantize (linear, linear+embedding)",
			Value:       quantize.ScopeLinear.String(),
			Destination: &scope,
		},
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "quantization mode (dynamic)",
			Value:       quantize.ModeDynamic.String(),
			Destination: &mode,
		},
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Convert the weights of a native model or interchange graph to int8",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			pinThreads(c)
			applyOutputConfig(c, fileConfig)

			loc, err := artifact.Locate(modelPath, tokenizerPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			spec, err := quantizeSpec(loc.Model, backend, scope, mode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			out, err := quantize.Quantize(ctx, spec, loc.Model, outputPath,
				quantize.WithTokenizer(loc.Tokenizer),
				quantize.WithOverwrite(overwrite),
				quantize.WithWorkers(workers),
			)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
			}
			if out.NoOp {
				fmt.Printf("nothing to quantize; copied to %s\n", out.Artifact.Path)
				return nil
			}
			fmt.Printf("quantized %d tensors -> %s (%s)\n", len(out.Tensors), out.Artifact.Path, out.Artifact.State())
			fmt.Printf("size %s -> %s (%s)\n", formatBytes(out.SourceBytes), formatBytes(out.OutputBytes), formatRatio(out.SourceBytes, out.OutputBytes))
			return nil
		},
	}
}

// quantizeSpec parses the flags. An empty backend follows the input format.
func quantizeSpec(in artifact.ModelArtifact, backend, scope, mode string) (quantize.Spec, error) {
	var spec quantize.Spec
	var err error
	switch {
	case backend != "":
		if spec.Backend, err = quantize.ParseBackend(backend); err != nil {
			return spec, err
		}
	case in.Format == artifact.FormatInterchangeGraph:
		spec.Backend = quantize.BackendInterchangeGraph{}
	default:
		spec.Backend = quantize.BackendNative{}
	}
	if spec.Scope, err = quantize.ParseScope(scope); err != nil {
		return spec, err
	}
	if spec.Mode, err = quantize.ParseMode(mode); err != nil {
		return spec, err
	}
	return spec, nil
}
