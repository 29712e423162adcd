// Package preloader keeps the cache warm off the request path: on start
// it fetches from every enabled source and inserts survivors into the
// cache, then on a timer it revalidates a bounded slice of each tier so
// cached entries never go stale without starving foreground validation.
package preloader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pivox-go/pivox/internal/cache"
	"github.com/pivox-go/pivox/internal/pivoxlog"
	"github.com/pivox-go/pivox/internal/pool"
)

// defaultValidationInterval is the revalidation cadence.
const defaultValidationInterval = 30 * time.Minute

// Revalidation caps: the entire primary tier, 20 of secondary, 10 of
// tertiary.
const (
	secondarySampleSize = 20
	tertiarySampleSize  = 10
)

// Config bundles Preloader's construction-time dependencies and tunables.
type Config struct {
	Pool               *pool.Manager
	Cache              *cache.TieredCache
	ValidationInterval time.Duration
	Logger             *slog.Logger
}

// Preloader refills and revalidates the cache off the request path.
type Preloader struct {
	pool     *pool.Manager
	cache    *cache.TieredCache
	interval time.Duration
	log      *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Preloader. Pool and Cache are required.
func New(cfg Config) *Preloader {
	if cfg.ValidationInterval <= 0 {
		cfg.ValidationInterval = defaultValidationInterval
	}
	return &Preloader{
		pool:     cfg.Pool,
		cache:    cfg.Cache,
		interval: cfg.ValidationInterval,
		log:      pivoxlog.OrNop(cfg.Logger),
	}
}

// Start runs the initial fetch-and-insert pass synchronously, then
// launches the periodic revalidation loop in the background until ctx
// is cancelled or Stop is called.
func (pr *Preloader) Start(ctx context.Context) {
	pr.Prime(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	pr.cancel = cancel
	pr.wg.Add(1)
	go pr.revalidationLoop(runCtx)
}

// Stop halts the revalidation loop and waits for an in-flight pass to
// finish.
func (pr *Preloader) Stop() {
	if pr.cancel != nil {
		pr.cancel()
	}
	pr.wg.Wait()
}

// Prime fetches from every enabled source and validates the survivors
// into the cache. It is exported so callers can force a prime pass
// outside the Start/Stop lifecycle.
func (pr *Preloader) Prime(ctx context.Context) {
	validated := pr.pool.FetchValidated(ctx, pool.FetchOptions{}, nil)
	pr.log.Info("preloader priming complete", "validated", len(validated))
}

func (pr *Preloader) revalidationLoop(ctx context.Context) {
	defer pr.wg.Done()
	ticker := time.NewTicker(pr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.revalidate(ctx)
		}
	}
}

// revalidate runs one bounded pass over the cache's tiers: the entire
// primary tier, a sample of secondary, a smaller sample of tertiary.
// Runs off the critical path; errors per-proxy are swallowed so one bad
// proxy can't starve the rest of the pass.
func (pr *Preloader) revalidate(ctx context.Context) {
	primary := pr.cache.GetTier(cache.Primary)
	secondary := sample(pr.cache.GetTier(cache.Secondary), secondarySampleSize)
	tertiary := sample(pr.cache.GetTier(cache.Tertiary), tertiarySampleSize)

	total := len(primary) + len(secondary) + len(tertiary)
	pr.log.Info("revalidation pass starting", "primary", len(primary), "secondary", len(secondary), "tertiary", len(tertiary))

	for _, batch := range [][]cache.Entry{primary, secondary, tertiary} {
		for _, entry := range batch {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if _, err := pr.pool.Validate(ctx, entry.Proxy); err != nil {
				pr.log.Warn("revalidation failed", "proxy", entry.Proxy.ID(), "err", err)
			}
		}
	}

	pr.log.Info("revalidation pass complete", "count", total)
}

// sample returns at most n entries, taking the least-recently-used
// first since GetTier returns LRU-at-front ordering.
func sample(entries []cache.Entry, n int) []cache.Entry {
	if len(entries) <= n {
		return entries
	}
	return entries[:n]
}
