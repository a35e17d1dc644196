// Command attic-server runs the multi-tenant binary cache server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/attic-go/attic/cmd"
)

func main() {
	if err := cmd.New().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
