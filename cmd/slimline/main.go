package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "slimline",
		Usage: "Prune, export and quantize encoder classifiers",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			fileConfig = LoadConfig()
			applyLoggingConfig(cmd, fileConfig)
			if debug {
				logLevel = "debug"
			}
			log := logger.Setup(os.Stderr, logFormat, logLevel)
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			exportCmd(),
			quantizeCmd(),
			pruneCmd(),
			pipelineCmd(),
			inspectCmd(),
			profileCmd(),
			evalCmd(),
			compareCmd(),
			serveCmd(),
			toyCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
