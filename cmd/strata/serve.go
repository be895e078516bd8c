package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/api"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/master"
	"github.com/samcharles93/strata/internal/node"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the master behind an HTTP completion API",
		Flags: append(append(append(nodeFlags(), clientFlags()...), samplingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyNodeConfig(c, fileConfig)
			applySamplingConfig(c, fileConfig)
			setString(c, "addr", &addr, fileConfig.ServerAddress)
			log := logger.FromContext(ctx)

			nctx, err := node.FromOptions(ctx, nodeOptions(node.ModeMaster))
			if err != nil {
				return err
			}
			defer func() { _ = nctx.Close() }()

			opts := clientOptions()
			opts.Logger = log
			m, err := master.New(ctx, nctx, master.Options{Client: opts, Logger: log})
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()

			server := api.NewServer(m, nctx.Topology, api.Options{
				Defaults: master.Request{MaxTokens: int(maxTokens), Sampler: samplerConfig()},
				Logger:   log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
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
