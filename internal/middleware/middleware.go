// Package middleware wraps a single outbound request: it acquires a
// proxy from the pool, tunnels the request through it, and reports the
// outcome back to the pool.
package middleware

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/net/publicsuffix"

	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/pivoxlog"
	"github.com/pivox-go/pivox/internal/pool"
	"github.com/pivox-go/pivox/internal/proxytype"
	"github.com/pivox-go/pivox/internal/retrypolicy"
	"github.com/pivox-go/pivox/internal/rotation"
)

// Options configures one Request call.
type Options struct {
	UseValidatedProxies bool
	Rotate              bool
	MaxRetries          int
	Strategy            rotation.Strategy
}

// Client wraps outbound requests with proxy acquisition, tunneling, and
// outcome reporting.
type Client struct {
	pool   *pool.Manager
	policy retrypolicy.Policy
	jar    http.CookieJar
	log    *slog.Logger
}

// New constructs a Client backed by p. A shared cookie jar scoped by the
// public suffix list is created once.
func New(p *pool.Manager, policy retrypolicy.Policy, log *slog.Logger) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("middleware: create cookie jar: %w", err)
	}
	if policy.MaxBackoff == 0 {
		policy = retrypolicy.Default()
	}
	return &Client{pool: p, policy: policy, jar: jar, log: pivoxlog.OrNop(log)}, nil
}

// Request performs method against target through a proxy drawn from the
// pool, retrying with a different proxy on proxy-classified errors up to
// options.MaxRetries times.
func (c *Client) Request(ctx context.Context, method, target string, headers http.Header, body io.Reader, options Options) (*http.Response, error) {
	maxRetries := options.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.policy.MaxRetries
	}

	var (
		lastErr  error
		lastResp *http.Response
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		proxy, err := c.acquireProxy(ctx, options)
		if err != nil {
			return nil, err
		}

		resp, err := c.attempt(ctx, proxy, method, target, headers, body)
		if err == nil {
			return resp, nil
		}

		if lastResp != nil {
			lastResp.Body.Close()
		}
		lastErr = err
		lastResp = resp

		kind := errorKind(err)
		if !c.policy.Retryable(kind) {
			return resp, err
		}

		select {
		case <-time.After(c.policy.Backoff(attempt)):
		case <-ctx.Done():
			if resp != nil {
				resp.Body.Close()
			}
			return nil, ctx.Err()
		}
	}

	return lastResp, lastErr
}

func (c *Client) acquireProxy(ctx context.Context, options Options) (proxytype.Proxy, error) {
	p, err := c.pool.Next(ctx, pool.NextOptions{Strategy: options.Strategy})
	if err == nil {
		return p, nil
	}

	if !options.UseValidatedProxies {
		return proxytype.Proxy{}, err
	}

	validated := c.pool.FetchValidated(ctx, pool.FetchOptions{Count: 1}, nil)
	if len(validated) == 0 {
		return proxytype.Proxy{}, pivoxerr.ErrNoProxiesAvailable
	}
	return validated[0], nil
}

// attempt performs one request through proxy, classifying the outcome
// and reporting it back to the pool.
func (c *Client) attempt(ctx context.Context, p proxytype.Proxy, method, target string, headers http.Header, body io.Reader) (*http.Response, error) {
	transport, err := transportFor(p)
	if err != nil {
		c.pool.RecordFailure(p)
		return nil, pivoxerr.NewProxyError(pivoxerr.KindProxyConnect, p.ID(), err)
	}

	client := &http.Client{
		Transport: transport,
		Jar:       c.jar,
		Timeout:   30 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if p.Credentials != nil {
		auth := base64.StdEncoding.EncodeToString([]byte(p.Credentials.User + ":" + p.Credentials.Pass))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)

	if err != nil {
		kind := pivoxerr.KindProxyConnect
		if ctx.Err() == context.DeadlineExceeded {
			kind = pivoxerr.KindProxyTimeout
		}
		c.pool.RecordFailure(p)
		return nil, pivoxerr.NewProxyError(kind, p.ID(), err)
	}

	if resp.StatusCode == http.StatusProxyAuthRequired {
		c.pool.RecordFailure(p)
		return resp, pivoxerr.NewProxyError(pivoxerr.KindProxyAuth, p.ID(), nil)
	}

	if isProxyGatewayStatus(resp.StatusCode) {
		c.pool.RecordFailure(p)
		return resp, pivoxerr.NewProxyError(pivoxerr.KindProxyConnect, p.ID(), nil)
	}

	// The proxy itself worked; a destination-side error status still
	// counts as a successful proxy use.
	c.pool.RecordSuccess(p, float64(latency.Milliseconds()))

	if resp.StatusCode >= 500 {
		return resp, &pivoxerr.DestinationError{StatusCode: resp.StatusCode, URL: target}
	}

	return resp, nil
}

// isProxyGatewayStatus reports the RFC 7231 intermediary-failure codes a
// forward proxy returns when it cannot reach the upstream itself. These
// are proxy failures, not destination failures, and should be retried
// with a different proxy rather than surfaced as a response.
func isProxyGatewayStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func errorKind(err error) pivoxerr.Kind {
	var pe *pivoxerr.ProxyError
	for e := err; e != nil; {
		if p, ok := e.(*pivoxerr.ProxyError); ok {
			pe = p
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if pe != nil {
		return pe.Kind
	}
	return pivoxerr.KindDestinationHTTP
}

// transportFor builds the transport-appropriate http.RoundTripper for p:
// Go's http.Transport negotiates CONNECT tunneling for HTTPS targets and
// direct forwarding for HTTP targets automatically once Proxy is set;
// SOCKS4/5 use golang.org/x/net/proxy's standard RFC 1928/1929 dialer.
func transportFor(p proxytype.Proxy) (http.RoundTripper, error) {
	switch p.Transport {
	case proxytype.SOCKS4, proxytype.SOCKS5:
		var auth *proxy.Auth
		if p.Credentials != nil {
			auth = &proxy.Auth{User: p.Credentials.User, Password: p.Credentials.Pass}
		}
		dialer, err := proxy.SOCKS5("tcp", p.DialAddr(), auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("middleware: build SOCKS dialer: %w", err)
		}
		return &http.Transport{Dial: dialer.Dial}, nil
	default:
		proxyURL := &httpProxyURL{proxy: p}
		return &http.Transport{Proxy: proxyURL.resolve}, nil
	}
}

// httpProxyURL adapts a Proxy into an http.Transport Proxy func, keeping
// credential injection local to the proxy URL rather than duplicated
// per-request header logic.
type httpProxyURL struct {
	proxy proxytype.Proxy
}

func (h *httpProxyURL) resolve(*http.Request) (*url.URL, error) {
	u := &url.URL{Scheme: string(h.proxy.Transport), Host: h.proxy.DialAddr()}
	if h.proxy.Credentials != nil {
		u.User = url.UserPassword(h.proxy.Credentials.User, h.proxy.Credentials.Pass)
	}
	return u, nil
}
