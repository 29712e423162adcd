package cli

import (
	"encoding/json"
	"os"

	"github.com/pivox-go/pivox/internal/cache"
	"github.com/pivox-go/pivox/internal/pool"
	"github.com/spf13/cobra"
)

type statsOutput struct {
	Pool  pool.Stats  `json:"pool"`
	Cache cache.Stats `json:"cache"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print cache tier and pool statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		out := statsOutput{Pool: a.pool.Stats(), Cache: a.cache.Stats()}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}
