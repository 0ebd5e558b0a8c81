package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/slimline/internal/api"
	"github.com/samcharles93/slimline/internal/ledger"
	"github.com/samcharles93/slimline/internal/logger"
	"github.com/samcharles93/slimline/internal/version"
)

func serveCmd() *cli.Command {
	var (
		addr           string
		defaultModel   string
		modelsPath     string
		workDir        string
		seqLen         int
		ledgerPath     string
		allowTransform bool
		readTimeout    time.Duration
	)

	flags := append(computeFlags(),
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "artifact served when a request names no model",
			Destination: &defaultModel,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "directory of artifacts addressable by name",
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "work-dir",
			Usage:       "base directory for relative paths in transform recipes",
			Destination: &workDir,
		},
		&cli.IntFlag{
			Name:        "seq-len",
			Usage:       "padded sequence length (0 = tokenizer max length)",
			Destination: &seqLen,
		},
		&cli.StringFlag{
			Name:        "ledger",
			Usage:       "sqlite file that records transformations run through the API",
			Destination: &ledgerPath,
		},
		&cli.BoolFlag{
			Name:        "allow-transform",
			Usage:       "enable POST /v1/transform",
			Destination: &allowTransform,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve classification and transformation over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyComputeConfig(c, fileConfig)
			applySeqLenConfig(c, fileConfig, &seqLen)
			applyLedgerConfig(c, fileConfig, &ledgerPath)
			applyServeConfig(c, fileConfig, &addr, &modelsPath, &workDir, &allowTransform)
			log := logger.FromContext(ctx)

			provider := api.NewCachedRunnerProvider(api.RunnerProviderConfig{
				DefaultModelPath: defaultModel,
				ModelsPath:       modelsPath,
				SeqLen:           seqLen,
				Workers:          workers,
			})
			cfg := api.ServerConfig{
				AllowTransform: allowTransform,
				BaseDir:        workDir,
				Workers:        workers,
				Version:        version.String(),
			}
			if cfg.BaseDir == "" {
				cfg.BaseDir = modelsPath
			}
			if ledgerPath != "" {
				l, err := ledger.Open(ledgerPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer func() { _ = l.Close() }()
				cfg.Recorder = l
			}

			server := api.NewServer(provider, cfg)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "transform", allowTransform)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
