// Command vchain stores entities whose protected properties change only by
// retiring the stored record and committing a new version.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/vchain/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		// Commands report their own ExitErrors; anything else is a flag or
		// argument error from cobra.
		code := cli.GetExitCode(err)
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			code = cli.ExitCommandError
		}
		stop()
		os.Exit(code)
	}
}
