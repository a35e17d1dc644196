package atticcmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/attic-go/attic/pkg/client/config"
)

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "bookmark a cache server and its capability token under a name",
		ArgsUsage: "<name> <endpoint> <token>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 3 {
				return fmt.Errorf("login requires exactly 3 arguments: name, endpoint, token")
			}

			name, endpoint, token := cmd.Args().Get(0), cmd.Args().Get(1), cmd.Args().Get(2)

			path, err := config.Path()
			if err != nil {
				return err
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			cfg.Set(name, config.Server{Endpoint: endpoint, Token: token})

			if err := config.Save(path, cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.Writer, "bookmarked %q as %s\n", endpoint, name) //nolint:errcheck

			return nil
		},
	}
}

func useCommand() *cli.Command {
	return &cli.Command{
		Name:      "use",
		Usage:     "set the default cache server",
		ArgsUsage: "<name>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("use requires exactly 1 argument: name")
			}

			name := cmd.Args().Get(0)

			path, err := config.Path()
			if err != nil {
				return err
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			if _, err := cfg.Get(name); err != nil {
				return err
			}

			cfg.DefaultServer = name

			return config.Save(path, cfg)
		},
	}
}
