// Package source implements the proxy source adapters: plain-text line
// lists, HTML tables, and JSON APIs, each fetched and parsed
// defensively so malformed rows are skipped rather than aborting the
// whole batch.
package source

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/pivoxlog"
	"github.com/pivox-go/pivox/internal/proxytype"
)

// Adapter fetches a batch of candidate proxies from one remote endpoint.
// Adapters are stateless between calls except for LastFetchedAt.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context) ([]proxytype.Proxy, error)
	LastFetchedAt() time.Time
}

// parseFunc turns a response body into proxies, skipping malformed rows.
type parseFunc func(body []byte) []proxytype.Proxy

// httpAdapter is the common shape behind every built-in adapter: fetch a
// URL, require 200, hand the body to a source-specific parser, then
// dedup-collapse-to-first within the batch.
type httpAdapter struct {
	name   string
	url    string
	client *http.Client
	parse  parseFunc
	log    *slog.Logger

	mu            sync.Mutex
	lastFetchedAt time.Time
}

func newHTTPAdapter(name, url string, parse parseFunc, log *slog.Logger) *httpAdapter {
	return &httpAdapter{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		parse:  parse,
		log:    pivoxlog.OrNop(log),
	}
}

func (a *httpAdapter) Name() string { return a.name }

func (a *httpAdapter) LastFetchedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastFetchedAt
}

func (a *httpAdapter) Fetch(ctx context.Context) ([]proxytype.Proxy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, &pivoxerr.SourceError{SourceName: a.name, Cause: err}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &pivoxerr.SourceError{SourceName: a.name, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &pivoxerr.SourceError{SourceName: a.name, StatusCode: resp.StatusCode}
	}

	body := make([]byte, 0, 1<<16)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if readErr != nil {
			break
		}
	}

	raw := a.parse(body)
	a.mu.Lock()
	a.lastFetchedAt = time.Now()
	a.mu.Unlock()

	a.log.Debug("source fetched", "source", a.name, "count", len(raw))
	return dedup(raw), nil
}

// dedup collapses duplicate (host,port) identities within a batch to the
// first occurrence.
func dedup(proxies []proxytype.Proxy) []proxytype.Proxy {
	seen := make(map[string]bool, len(proxies))
	out := make([]proxytype.Proxy, 0, len(proxies))
	for _, p := range proxies {
		id := p.ID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, p)
	}
	return out
}

// parseHostPort validates and splits a "host:port" pair: port must be in
// [1,65535], host must be a syntactically valid IPv4 address or
// hostname. Returns ok=false for any malformed row, which callers skip.
func parseHostPort(hostport string) (host string, port int, ok bool) {
	h, portStr, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return "", 0, false
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p < 1 || p > 65535 {
		return "", 0, false
	}
	if h == "" {
		return "", 0, false
	}
	if ip := net.ParseIP(h); ip != nil {
		if ip.To4() == nil {
			return "", 0, false
		}
	} else {
		for _, label := range strings.Split(h, ".") {
			if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' ||
				strings.IndexFunc(label, func(r rune) bool {
					return !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
				}) >= 0 {
				return "", 0, false
			}
		}
	}
	return h, p, true
}

// parsePlainList parses one "host:port" (optionally "scheme://host:port")
// per line, skipping blanks, comments, and malformed rows.
func parsePlainList(transport proxytype.Transport) parseFunc {
	return func(body []byte) []proxytype.Proxy {
		var out []proxytype.Proxy
		for _, line := range strings.Split(string(body), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if idx := strings.Index(line, "://"); idx >= 0 {
				line = line[idx+3:]
			}
			host, port, ok := parseHostPort(line)
			if !ok {
				continue
			}
			out = append(out, proxytype.Proxy{Host: host, Port: port, Transport: transport})
		}
		return out
	}
}

// NewPlainListAdapter builds an adapter for a newline-delimited
// host:port list.
func NewPlainListAdapter(name, url string, transport proxytype.Transport, log *slog.Logger) Adapter {
	return newHTTPAdapter(name, url, parsePlainList(transport), log)
}

// BuiltinSources returns the default set of five adapters: four
// plain-text or HTML-scraped lists plus one JSON API.
func BuiltinSources(log *slog.Logger) []Adapter {
	return []Adapter{
		NewPlainListAdapter("thespeedx-http", "https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt", proxytype.HTTP, log),
		NewPlainListAdapter("clarketm", "https://raw.githubusercontent.com/clarketm/proxy-list/master/proxy-list-raw.txt", proxytype.HTTP, log),
		NewPlainListAdapter("shiftytr-http", "https://raw.githubusercontent.com/ShiftyTR/Proxy-List/master/http.txt", proxytype.HTTP, log),
		NewHTMLTableAdapter("free-proxy-list", "https://free-proxy-list.net/", log),
		NewJSONAPIAdapter("proxyscrape-json", "https://api.proxyscrape.com/v2/account/datacenter_shared/proxy-list?format=json", log),
	}
}
