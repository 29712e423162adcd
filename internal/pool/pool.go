// Package pool implements the Pool Manager, the authoritative owner of
// the proxy set and the cache. It orchestrates fetch, validate, score,
// and select, and uses a bloom filter for fast incoming-candidate dedup
// ahead of the exact identity map.
package pool

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/pivox-go/pivox/internal/cache"
	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/pivoxlog"
	"github.com/pivox-go/pivox/internal/proxytype"
	"github.com/pivox-go/pivox/internal/rotation"
	"github.com/pivox-go/pivox/internal/source"
	"github.com/pivox-go/pivox/internal/validator"
)

// State is a proxy's position in the Unknown -> Validating ->
// {Active, Inactive} state machine.
type State string

const (
	Unknown    State = "unknown"
	Validating State = "validating"
	Active     State = "active"
	Inactive   State = "inactive"
)

// bloomCapacity and bloomFalsePositive size the incoming-candidate dedup
// filter for roughly 1M observed proxies at 1% false-positive rate.
const (
	bloomCapacity       = 1_000_000
	bloomFalsePositive  = 0.01
	consecutiveFailCap  = 3 // N consecutive failures demotes a proxy to Inactive
	defaultRefreshEvery = 10 * time.Minute
)

type tracked struct {
	proxy proxytype.Proxy
	score *proxytype.ProxyScore
	state State
}

// FetchOptions filters and bounds a fetch/fetch_validated call.
type FetchOptions struct {
	Count     int
	Transport proxytype.Transport // zero value means any
	Country   string              // empty means any
	Anonymity proxytype.Anonymity // zero value means any
}

// Manager is the authoritative proxy pool: the only writer of the
// proxy set, the scores, and the tiered cache.
type Manager struct {
	mu sync.RWMutex

	proxies map[string]*tracked
	leases  map[string]lease // persona ID -> lease

	seen *bloom.BloomFilter

	sources   []source.Adapter
	validator *validator.Validator
	cache     *cache.TieredCache
	selector  *rotation.Selector

	testURL       string
	validationTO  time.Duration
	refreshEvery  time.Duration
	lastRefreshAt time.Time

	callerIPOnce sync.Once
	callerIP     string

	log *slog.Logger
}

type lease struct {
	proxyKey string
	expires  time.Time
}

// Config bundles Manager's construction-time dependencies and tunables.
type Config struct {
	Sources            []source.Adapter
	Validator          *validator.Validator
	Cache              *cache.TieredCache
	Strategy           rotation.Strategy
	TestURL            string
	ValidationTimeout  time.Duration
	RefreshInterval    time.Duration
	Logger             *slog.Logger
}

// New constructs a Manager. Cache and Validator are required; Sources,
// Strategy, and tunables fall back to package defaults when zero.
func New(cfg Config) *Manager {
	if cfg.Strategy == nil {
		cfg.Strategy = rotation.New(rotation.RoundRobin)
	}
	if cfg.TestURL == "" {
		cfg.TestURL = "http://httpbin.org/ip"
	}
	if cfg.ValidationTimeout == 0 {
		cfg.ValidationTimeout = 10 * time.Second
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = defaultRefreshEvery
	}

	return &Manager{
		proxies:      make(map[string]*tracked),
		leases:       make(map[string]lease),
		seen:         bloom.NewWithEstimates(bloomCapacity, bloomFalsePositive),
		sources:      cfg.Sources,
		validator:    cfg.Validator,
		cache:        cfg.Cache,
		selector:     rotation.NewSelector(cfg.Strategy),
		testURL:      cfg.TestURL,
		validationTO: cfg.ValidationTimeout,
		refreshEvery: cfg.RefreshInterval,
		log:          pivoxlog.OrNop(cfg.Logger),
	}
}

// Fetch returns up to opts.Count deduplicated proxies matching the
// filters, triggering a source refresh first if the pool looks stale.
// Per-source failures are logged and skipped; total failure returns an
// empty set, never an error.
func (m *Manager) Fetch(ctx context.Context, opts FetchOptions) []proxytype.Proxy {
	if m.staleLocked() {
		m.refresh(ctx)
	}
	return m.matching(opts)
}

func (m *Manager) staleLocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastRefreshAt) > m.refreshEvery
}

// refresh pulls fresh candidates from every source adapter, skipping any
// that fail, and merges new identities into the pool as Unknown.
func (m *Manager) refresh(ctx context.Context) {
	for _, adapter := range m.sources {
		candidates, err := adapter.Fetch(ctx)
		if err != nil {
			m.log.Warn("source fetch failed", "source", adapter.Name(), "err", err)
			continue
		}
		m.mergeLocked(candidates)
	}

	m.mu.Lock()
	m.lastRefreshAt = time.Now()
	m.mu.Unlock()
}

func (m *Manager) mergeLocked(candidates []proxytype.Proxy) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range candidates {
		key := []byte(p.ID())
		if m.seen.Test(key) {
			continue
		}
		m.seen.Add(key)

		if _, exists := m.proxies[p.ID()]; exists {
			continue
		}
		m.proxies[p.ID()] = &tracked{
			proxy: p,
			score: proxytype.NewProxyScore(),
			state: Unknown,
		}
	}
}

func (m *Manager) matching(opts FetchOptions) []proxytype.Proxy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []proxytype.Proxy
	for _, t := range m.proxies {
		if !matchesFilter(t.proxy, opts) {
			continue
		}
		out = append(out, t.proxy)
		if opts.Count > 0 && len(out) >= opts.Count {
			break
		}
	}
	return out
}

func matchesFilter(p proxytype.Proxy, opts FetchOptions) bool {
	if opts.Transport != "" && p.Transport != opts.Transport {
		return false
	}
	if opts.Country != "" && p.Metadata.Country != opts.Country {
		return false
	}
	if opts.Anonymity != "" && p.Metadata.Anonymity != opts.Anonymity {
		return false
	}
	return true
}

// FetchValidated fetches candidates and returns only those that pass
// validation during this call, reporting progress via onProgress.
func (m *Manager) FetchValidated(ctx context.Context, opts FetchOptions, onProgress func(proxytype.Proxy, validator.Result)) []proxytype.Proxy {
	candidates := m.Fetch(ctx, opts)

	var valid []proxytype.Proxy
	for _, p := range candidates {
		ok, result := m.validateAndRecord(ctx, p)
		if onProgress != nil {
			onProgress(p, result)
		}
		if ok {
			valid = append(valid, p)
		}
		if opts.Count > 0 && len(valid) >= opts.Count {
			break
		}
	}
	return valid
}

// Validate runs one validation pass against proxy and applies the result
// to its score and state through the pool manager.
func (m *Manager) Validate(ctx context.Context, proxy proxytype.Proxy) (bool, error) {
	ok, _ := m.validateAndRecord(ctx, proxy)
	return ok, nil
}

func (m *Manager) validateAndRecord(ctx context.Context, proxy proxytype.Proxy) (bool, validator.Result) {
	m.setState(proxy, Validating)

	var callerIP string
	if proxy.Metadata.Anonymity == proxytype.Elite {
		callerIP = m.resolveCallerIP(ctx)
	}

	result := m.validator.Validate(ctx, proxy, m.testURL, m.validationTO, callerIP)

	if result.Valid {
		m.RecordSuccess(proxy, float64(result.LatencyMs))
		m.setState(proxy, Active)
	} else {
		m.RecordFailure(proxy)
	}
	return result.Valid, result
}

// resolveCallerIP fetches testURL directly, without going through any
// proxy, once per process, and caches the response body as the marker an
// elite-anonymity proxy must not leak back. A lookup failure leaves the
// marker empty, which disables the leak check rather than blocking
// validation on it.
func (m *Manager) resolveCallerIP(ctx context.Context) string {
	m.callerIPOnce.Do(func() {
		reqCtx, cancel := context.WithTimeout(ctx, m.validationTO)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, m.testURL, nil)
		if err != nil {
			m.log.Warn("caller IP lookup: build request", "err", err)
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			m.log.Warn("caller IP lookup failed", "err", err)
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			m.log.Warn("caller IP lookup: read body", "err", err)
			return
		}
		m.callerIP = strings.TrimSpace(string(body))
	})
	return m.callerIP
}

func (m *Manager) setState(proxy proxytype.Proxy, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.proxies[proxy.ID()]; ok {
		t.state = state
	}
}

// NextOptions customizes a Next call. The zero value selects from the
// default strategy restricted to already-validated (Active) proxies.
type NextOptions struct {
	Strategy rotation.Strategy // nil means the pool's configured default
	// Unvalidated widens the eligible set to proxies the pool has not
	// yet run through validation (Unknown and Validating), in addition
	// to Active ones. Inactive proxies are never eligible either way.
	Unvalidated bool
}

// Next returns one proxy chosen by the active rotation strategy (or
// opts.Strategy, if given), restricted by default to already-validated
// (Active) proxies, or widened to include not-yet-validated ones when
// opts.Unvalidated is set. Fails with ErrNoProxiesAvailable when the
// eligible set is empty.
func (m *Manager) Next(ctx context.Context, opts NextOptions) (proxytype.Proxy, error) {
	candidates := m.eligibleCandidates(opts.Unvalidated)
	if len(candidates) == 0 {
		return proxytype.Proxy{}, pivoxerr.ErrNoProxiesAvailable
	}

	var (
		c  rotation.Candidate
		ok bool
	)
	if opts.Strategy != nil {
		c, ok = opts.Strategy.Select(candidates)
	} else {
		c, ok = m.selector.Select(candidates)
	}
	if !ok {
		return proxytype.Proxy{}, pivoxerr.ErrNoProxiesAvailable
	}
	m.touch(c.Proxy)
	return c.Proxy, nil
}

func (m *Manager) touch(proxy proxytype.Proxy) {
	m.mu.RLock()
	t, ok := m.proxies[proxy.ID()]
	m.mu.RUnlock()
	if ok {
		t.score.Touch()
	}
}

// eligibleCandidates returns the Active set, widened to also include
// Unknown and Validating proxies when allowUnvalidated is set. Inactive
// proxies and proxies under an unexpired lease are never eligible. The
// result is sorted by identity so round-robin cycles in a stable order.
func (m *Manager) eligibleCandidates(allowUnvalidated bool) []rotation.Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	leased := make(map[string]bool, len(m.leases))
	for _, l := range m.leases {
		if now.Before(l.expires) {
			leased[l.proxyKey] = true
		}
	}

	out := make([]rotation.Candidate, 0, len(m.proxies))
	for key, t := range m.proxies {
		if leased[key] {
			continue
		}
		switch t.state {
		case Active:
		case Unknown, Validating:
			if !allowUnvalidated {
				continue
			}
		default:
			continue
		}
		out = append(out, rotation.Candidate{Proxy: t.proxy, Score: t.score.Snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proxy.ID() < out[j].Proxy.ID() })
	return out
}

// RecordSuccess applies an atomic score update for a successful use of
// proxy and refreshes its cache entry.
func (m *Manager) RecordSuccess(proxy proxytype.Proxy, latencyMs float64) {
	m.mu.RLock()
	t, ok := m.proxies[proxy.ID()]
	m.mu.RUnlock()
	if !ok {
		return
	}

	t.score.RecordSuccess(latencyMs)
	m.syncCache(t)
}

// RecordFailure applies an atomic score update for a failed use of proxy,
// transitioning it to Inactive once consecutive failures reach the
// threshold (consecutiveFailCap).
func (m *Manager) RecordFailure(proxy proxytype.Proxy) {
	m.mu.RLock()
	t, ok := m.proxies[proxy.ID()]
	m.mu.RUnlock()
	if !ok {
		return
	}

	t.score.RecordFailure()
	if t.score.ConsecutiveFailures() >= consecutiveFailCap {
		m.setState(proxy, Inactive)
	}
	m.syncCache(t)
}

// SeedActive adds proxies directly to the pool in the Active state,
// bypassing fetch and validation, for callers that already hold proxies
// known to be good. Loading a persisted cache does not call it.
func (m *Manager) SeedActive(proxies ...proxytype.Proxy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range proxies {
		key := []byte(p.ID())
		if !m.seen.Test(key) {
			m.seen.Add(key)
		}
		if _, exists := m.proxies[p.ID()]; exists {
			continue
		}
		m.proxies[p.ID()] = &tracked{
			proxy: p,
			score: proxytype.NewProxyScore(),
			state: Active,
		}
	}
}

// Score returns a snapshot of proxy's current score, or false if the pool
// has no record of it.
func (m *Manager) Score(proxy proxytype.Proxy) (proxytype.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.proxies[proxy.ID()]
	if !ok {
		return proxytype.Snapshot{}, false
	}
	return t.score.Snapshot(), true
}

func (m *Manager) syncCache(t *tracked) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Add(context.Background(), t.proxy, t.score.Snapshot()); err != nil {
		m.log.Warn("cache sync failed", "proxy", t.proxy.ID(), "err", err)
	}
}

// Stats reports pool-wide counters.
type Stats struct {
	Total       int
	Active      int
	Inactive    int
	Validating  int
	Unknown     int
	ByCountry   map[string]int
	ByAnonymity map[string]int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		ByCountry:   make(map[string]int),
		ByAnonymity: make(map[string]int),
	}
	for _, t := range m.proxies {
		stats.Total++
		switch t.state {
		case Active:
			stats.Active++
		case Inactive:
			stats.Inactive++
		case Validating:
			stats.Validating++
		default:
			stats.Unknown++
		}
		if t.proxy.Metadata.Country != "" {
			stats.ByCountry[t.proxy.Metadata.Country]++
		}
		if t.proxy.Metadata.Anonymity != "" {
			stats.ByAnonymity[string(t.proxy.Metadata.Anonymity)]++
		}
	}
	return stats
}
