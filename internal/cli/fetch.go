package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pivox-go/pivox/internal/pool"
	"github.com/pivox-go/pivox/internal/proxytype"
	"github.com/spf13/cobra"
)

var (
	fetchCount     int
	fetchProtocol  string
	fetchCountry   string
	fetchAnonymity string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch deduplicated candidate proxies matching the given filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(nil)
		if err != nil {
			return err
		}
		defer a.close()

		opts := pool.FetchOptions{
			Count:     fetchCount,
			Transport: proxytype.Transport(fetchProtocol),
			Country:   fetchCountry,
			Anonymity: proxytype.Anonymity(fetchAnonymity),
		}

		proxies := a.pool.Fetch(context.Background(), opts)
		if len(proxies) == 0 {
			return &ExitError{Code: ExitNoValidProxies, Err: fmt.Errorf("no proxies matched the given filters")}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(proxies)
	},
}

func init() {
	fetchCmd.Flags().IntVar(&fetchCount, "count", 0, "Maximum number of proxies to return (0 = unbounded)")
	fetchCmd.Flags().StringVar(&fetchProtocol, "protocol", "", "Filter by transport: http/https/socks4/socks5")
	fetchCmd.Flags().StringVar(&fetchCountry, "country", "", "Filter by ISO country code")
	fetchCmd.Flags().StringVar(&fetchAnonymity, "anonymity", "", "Filter by anonymity: transparent/anonymous/elite")
}
