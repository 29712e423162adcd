// Package validator probes proxies with tiered connectivity and
// anonymity checks.
package validator

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/proxytype"
)

// Result is the outcome of one validation attempt. The validator never
// mutates scores itself; the caller applies this through the pool
// manager.
type Result struct {
	Valid     bool
	LatencyMs int64
	ErrorKind pivoxerr.Kind
}

// Validator probes proxies for liveness, bounded by a caller-supplied
// concurrency semaphore rather than owning its own worker pool.
type Validator struct {
	sem        chan struct{}
	httpClient func(p proxytype.Proxy, timeout time.Duration) *http.Client
}

// DefaultConcurrency is the default semaphore size.
const DefaultConcurrency = 10

// New creates a Validator bounded by concurrency simultaneous probes.
// concurrency <= 0 falls back to DefaultConcurrency.
func New(concurrency int) *Validator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Validator{
		sem:        make(chan struct{}, concurrency),
		httpClient: httpClientFor,
	}
}

// Validate opens a transport-appropriate connection to proxy, requires an
// HTTP 200 from testURL within timeout, and for elite-anonymity proxies
// additionally fails the check if callerIP appears in the response body.
func (v *Validator) Validate(ctx context.Context, proxy proxytype.Proxy, testURL string, timeout time.Duration, callerIP string) Result {
	v.sem <- struct{}{}
	defer func() { <-v.sem }()

	switch proxy.Transport {
	case proxytype.SOCKS4, proxytype.SOCKS5:
		return v.validateSOCKS(ctx, proxy, timeout)
	default:
		return v.validateHTTP(ctx, proxy, testURL, timeout, callerIP)
	}
}

func (v *Validator) validateHTTP(ctx context.Context, proxy proxytype.Proxy, testURL string, timeout time.Duration, callerIP string) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := v.httpClient(proxy, timeout)

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testURL, nil)
	if err != nil {
		return Result{Valid: false, ErrorKind: pivoxerr.KindProxyConnect}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{Valid: false, ErrorKind: pivoxerr.KindProxyTimeout}
		}
		return Result{Valid: false, ErrorKind: pivoxerr.KindProxyConnect}
	}
	defer resp.Body.Close()

	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return Result{Valid: false, ErrorKind: pivoxerr.KindProxyConnect}
	}

	if proxy.Metadata.Anonymity == proxytype.Elite && callerIP != "" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if bytes.Contains(body, []byte(callerIP)) {
			return Result{Valid: false, ErrorKind: pivoxerr.KindValidationFailed}
		}
	}

	return Result{Valid: true, LatencyMs: latency.Milliseconds()}
}

// validateSOCKS validates by successful TCP handshake only.
func (v *Validator) validateSOCKS(ctx context.Context, proxy proxytype.Proxy, timeout time.Duration) Result {
	start := time.Now()
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxy.DialAddr())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{Valid: false, ErrorKind: pivoxerr.KindProxyTimeout}
		}
		return Result{Valid: false, ErrorKind: pivoxerr.KindProxyConnect}
	}
	defer conn.Close()

	return Result{Valid: true, LatencyMs: time.Since(start).Milliseconds()}
}

// httpClientFor builds an *http.Client that routes through proxy.
func httpClientFor(proxy proxytype.Proxy, timeout time.Duration) *http.Client {
	proxyURL := &url.URL{
		Scheme: string(proxy.Transport),
		Host:   proxy.DialAddr(),
	}
	if proxy.Credentials != nil {
		proxyURL.User = url.UserPassword(proxy.Credentials.User, proxy.Credentials.Pass)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
}
