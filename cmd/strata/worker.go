package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/node"
	"github.com/samcharles93/strata/internal/worker"
)

func workerCmd() *cli.Command {
	var (
		listen       string
		frameTimeout = worker.DefaultFrameTimeout
	)

	return &cli.Command{
		Name:  "worker",
		Usage: "Serve this node's block range to the previous node in the chain",
		Flags: append(append(nodeFlags(), clientFlags()...),
			&cli.StringFlag{
				Name:        "name",
				Usage:       "this worker's name in the topology",
				Destination: &nodeName,
			},
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "listen address (defaults to the topology address)",
				Destination: &listen,
			},
			&cli.DurationFlag{
				Name:        "frame-timeout",
				Usage:       "how long a frame payload may trail its header",
				Value:       frameTimeout,
				Destination: &frameTimeout,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyNodeConfig(c, fileConfig)
			setString(c, "listen", &listen, fileConfig.Listen)
			log := logger.FromContext(ctx)

			nctx, err := node.FromOptions(ctx, nodeOptions(node.ModeWorker))
			if err != nil {
				return err
			}
			defer func() { _ = nctx.Close() }()

			opts := clientOptions()
			opts.Logger = log
			w, err := worker.Load(ctx, nctx, worker.Options{
				ListenAddr:   listen,
				FrameTimeout: frameTimeout,
				Client:       opts,
				Logger:       log,
			})
			if err != nil {
				return err
			}
			return w.ListenAndServe(ctx)
		},
	}
}
