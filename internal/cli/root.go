// Package cli implements the pivox command-line shim: fetch, next,
// request, and stats subcommands over the proxy pool.
package cli

import (
	"github.com/spf13/cobra"
)

// ExitError carries a specific process exit code:
// 0 success, 2 no valid proxies, 3 configuration error, 4 unreachable
// destination. main.go unwraps it to choose os.Exit's argument.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

const (
	ExitSuccess                = 0
	ExitNoValidProxies         = 2
	ExitConfigError            = 3
	ExitUnreachableDestination = 4
)

var rootCmd = &cobra.Command{
	Use:   "pivox",
	Short: "A live pool of anonymous HTTP/HTTPS/SOCKS proxies",
	Long:  "pivox harvests, validates, scores, and rotates anonymous proxy endpoints for outbound HTTP traffic.",
}

// Execute runs the CLI and returns any error, which may be an
// *ExitError naming a specific exit code.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(statsCmd)
}
