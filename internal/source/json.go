package source

import (
	"encoding/json"
	"log/slog"

	"github.com/pivox-go/pivox/internal/proxytype"
)

// NewJSONAPIAdapter builds an adapter for JSON-API proxy lists shaped
// like ProxyScrape's datacenter_shared feed: {"proxies": [{"ip": "...",
// "port": "...", "protocol": "..."}]}. Unknown fields are ignored on
// decode (the encoding/json default), so upstream schema additions
// don't break parsing.
func NewJSONAPIAdapter(name, url string, log *slog.Logger) Adapter {
	return newHTTPAdapter(name, url, parseJSONAPI, log)
}

type jsonAPIResponse struct {
	Proxies []jsonAPIProxy `json:"proxies"`
}

type jsonAPIProxy struct {
	IP       string `json:"ip"`
	Port     string `json:"port"`
	Protocol string `json:"protocol"`
	Country  string `json:"country"`
}

func parseJSONAPI(body []byte) []proxytype.Proxy {
	var resp jsonAPIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}

	var out []proxytype.Proxy
	for _, p := range resp.Proxies {
		host, port, ok := parseHostPort(p.IP + ":" + p.Port)
		if !ok {
			continue
		}
		transport := proxytype.HTTP
		switch p.Protocol {
		case "https":
			transport = proxytype.HTTPS
		case "socks4":
			transport = proxytype.SOCKS4
		case "socks5":
			transport = proxytype.SOCKS5
		}
		out = append(out, proxytype.Proxy{
			Host:      host,
			Port:      port,
			Transport: transport,
			Metadata:  proxytype.Metadata{Country: p.Country},
		})
	}
	return out
}
