// Command pivox is the CLI shim: fetch/next/request/stats subcommands
// over the proxy pool, exiting with codes that distinguish configuration
// errors, empty pools, and unreachable destinations from success.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/pivox-go/pivox/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
