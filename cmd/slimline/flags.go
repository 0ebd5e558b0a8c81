package main

import (
	"runtime"

	"github.com/urfave/cli/v3"
)

var (
	modelPath     string
	tokenizerPath string
	outputPath    string
	overwrite     bool
	threads       int
	workers       int
	logLevel      string
	logFormat     string
	debug         bool
)

func inputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to the input artifact (model directory or traced .mcf file)",
			Destination: &modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "override the tokenizer directory (defaults to the artifact's own)",
			Destination: &tokenizerPath,
		},
	}
}

func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "output path",
			Destination: &outputPath,
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "overwrite",
			Usage:       "replace an existing output",
			Destination: &overwrite,
		},
	}
}

func computeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "threads",
			Usage:       "GOMAXPROCS for this run (0 = 1)",
			Destination: &threads,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "goroutines per forward pass (0 = 1)",
			Destination: &workers,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// pinThreads applies the compute flags. Transformations run on a single
// thread unless --threads asks for more.
func pinThreads(c *cli.Command) {
	applyComputeConfig(c, fileConfig)
	runtime.GOMAXPROCS(max(threads, 1))
}
