package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/warden/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		// Anything not classified by a command is a usage error.
		os.Exit(cli.ExitCommandError)
	}
}
