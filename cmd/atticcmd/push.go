package atticcmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/attic-go/attic/pkg/client/api"
	"github.com/attic-go/attic/pkg/client/config"
	"github.com/attic-go/attic/pkg/client/nixstore"
	"github.com/attic-go/attic/pkg/client/push"
	"github.com/attic-go/attic/pkg/compress"
)

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "compute the closure of the given store paths and push them to a cache",
		ArgsUsage: "<cache> <store-path>...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Bookmarked server name to push to (defaults to the one set via `attic use`)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of concurrent uploads",
				Value: 4,
			},
			&cli.StringFlag{
				Name:  "codec",
				Usage: "Transport compression codec: zstd, brotli, xz, or none",
				Value: "zstd",
			},
			&cli.BoolFlag{
				Name:  "no-closure",
				Usage: "Treat the given store paths as an already-closed set; skip closure computation",
			},
			&cli.StringSliceFlag{
				Name:  "upstream-cache-key-name",
				Usage: "Skip paths signed by this upstream cache key (repeatable)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 2 {
				return fmt.Errorf("push requires a cache name and at least one store path")
			}

			cacheName := cmd.Args().Get(0)
			roots := cmd.Args().Slice()[1:]

			path, err := config.Path()
			if err != nil {
				return err
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			srv, err := cfg.Get(cmd.String("server"))
			if err != nil {
				return err
			}

			codec, err := compress.ParseCodec(cmd.String("codec"))
			if err != nil {
				return fmt.Errorf("error parsing --codec: %w", err)
			}

			apiClient := api.New(srv.Endpoint, srv.Token)
			store := &nixstore.CLIStore{}

			session := push.New(push.Config{
				Cache:                 cacheName,
				WorkerCount:           int(cmd.Int("workers")),
				Codec:                 codec,
				SkipClosure:           cmd.Bool("no-closure"),
				UpstreamCacheKeyNames: cmd.StringSlice("upstream-cache-key-name"),
			}, apiClient, store, *zerolog.Ctx(ctx))

			done := make(chan error, 1)

			go func() { done <- session.RunStatic(ctx, roots) }()

			failed := 0

			for result := range session.Results() {
				if result.Err != nil {
					failed++

					fmt.Fprintf(cmd.ErrWriter, "FAILED %s: %v\n", result.StorePath, result.Err) //nolint:errcheck

					continue
				}

				fmt.Fprintf(cmd.Writer, "%s %s (%.1f%% deduplicated)\n", //nolint:errcheck
					result.Uploaded.Kind, result.StorePath, result.Uploaded.FracDeduplicated*100)
			}

			if err := <-done; err != nil {
				return err
			}

			if failed > 0 {
				return fmt.Errorf("%d path(s) failed to push", failed)
			}

			return nil
		},
	}
}
