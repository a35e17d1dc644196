// Package atticcmd implements the attic client CLI: server bookmarking
// (login/use, grounded on the original's client/src/command/login.rs and
// use.rs) and the push session (spec §4.8).
package atticcmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// Version is set with ldflags at build time.
var Version = "dev"

// New returns the attic client command tree.
func New() *cli.Command {
	return &cli.Command{
		Name:    "attic",
		Usage:   "push and manage caches on a multi-tenant binary cache server",
		Version: Version,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			lvl, err := zerolog.ParseLevel(cmd.String("log-level"))
			if err != nil {
				return ctx, fmt.Errorf("error parsing the log-level %q: %w", cmd.String("log-level"), err)
			}

			var output io.Writer = os.Stderr
			if term.IsTerminal(int(os.Stderr.Fd())) {
				output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
			}

			logger := zerolog.New(output).Level(lvl).With().Timestamp().Logger()

			return logger.WithContext(ctx), nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Set the log level",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			useCommand(),
			pushCommand(),
		},
	}
}
