package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/pool"
	"github.com/pivox-go/pivox/internal/rotation"
	"github.com/spf13/cobra"
)

var (
	nextStrategy    string
	nextUnvalidated bool
)

var nextCmd = &cobra.Command{
	Use:   "next",
	Short: "Print one proxy chosen by the given rotation strategy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		var strategy rotation.Strategy
		if nextStrategy != "" {
			strategy = rotation.New(rotation.Name(nextStrategy))
		}

		p, err := a.pool.Next(context.Background(), pool.NextOptions{Strategy: strategy, Unvalidated: nextUnvalidated})
		if err != nil {
			if errors.Is(err, pivoxerr.ErrNoProxiesAvailable) {
				return &ExitError{Code: ExitNoValidProxies, Err: err}
			}
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

func init() {
	nextCmd.Flags().StringVar(&nextStrategy, "strategy", "", "Rotation strategy: round-robin/random/weighted/least-recently-used (empty = pool default)")
	nextCmd.Flags().BoolVar(&nextUnvalidated, "unvalidated", false, "Allow proxies that have not yet passed validation")
}
