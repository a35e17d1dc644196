package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/urfave/cli/v3"

	"github.com/attic-go/attic/pkg/token"
)

// mktokenCommand mints an HS256 capability token from a local signing key,
// for operators bootstrapping the first push credential (original's
// server/src/adm/command/make_token.rs).
func mktokenCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "mktoken",
		Usage: "mint a capability token signed with an HMAC key",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "hmac-key",
				Usage:    "HMAC secret to sign the token with; must match the server's --token-hmac-key",
				Sources:  flagSources("token.hmac-key", "TOKEN_HMAC_KEY"),
				Required: true,
			},
			&cli.StringFlag{
				Name:  "subject",
				Usage: "The \"sub\" claim",
				Value: "mktoken",
			},
			&cli.DurationFlag{
				Name:  "validity",
				Usage: "How long the token is valid for",
				Value: 24 * time.Hour,
			},
			&cli.StringFlag{
				Name:  "issuer",
				Usage: "The \"iss\" claim, if any",
			},
			&cli.StringSliceFlag{
				Name:     "cache",
				Usage:    "Cache name pattern to grant permissions for (repeatable)",
				Required: true,
			},
			&cli.BoolFlag{Name: "pull", Value: true},
			&cli.BoolFlag{Name: "push"},
			&cli.BoolFlag{Name: "delete"},
			&cli.BoolFlag{Name: "create-cache"},
			&cli.BoolFlag{Name: "configure-cache"},
			&cli.BoolFlag{Name: "configure-cache-retention"},
			&cli.BoolFlag{Name: "destroy-cache"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			perm := token.Permission{
				Pull:                    cmd.Bool("pull"),
				Push:                    cmd.Bool("push"),
				Delete:                  cmd.Bool("delete"),
				CreateCache:             cmd.Bool("create-cache"),
				ConfigureCache:          cmd.Bool("configure-cache"),
				ConfigureCacheRetention: cmd.Bool("configure-cache-retention"),
				DestroyCache:            cmd.Bool("destroy-cache"),
			}

			caches := make(map[string]token.Permission)
			for _, pattern := range cmd.StringSlice("cache") {
				caches[pattern] = perm
			}

			claims := jwt.MapClaims{
				"sub":    cmd.String("subject"),
				"exp":    time.Now().Add(cmd.Duration("validity")).Unix(),
				"iat":    time.Now().Unix(),
				"caches": caches,
			}

			if issuer := cmd.String("issuer"); issuer != "" {
				claims["iss"] = issuer
			}

			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cmd.String("hmac-key")))
			if err != nil {
				return fmt.Errorf("error signing the token: %w", err)
			}

			fmt.Fprintln(cmd.Writer, signed) //nolint:errcheck

			return nil
		},
	}
}
