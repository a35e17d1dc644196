// Command attic is the client CLI: login/use server bookmarking and the
// push session.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/attic-go/attic/cmd/atticcmd"
)

func main() {
	if err := atticcmd.New().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
