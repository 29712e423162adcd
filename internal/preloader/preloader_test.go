package preloader

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/pivox-go/pivox/internal/cache"
	"github.com/pivox-go/pivox/internal/kvstore"
	"github.com/pivox-go/pivox/internal/pool"
	"github.com/pivox-go/pivox/internal/proxytype"
	"github.com/pivox-go/pivox/internal/source"
	"github.com/pivox-go/pivox/internal/validator"
)

type fakeSource struct {
	name    string
	proxies []proxytype.Proxy
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context) ([]proxytype.Proxy, error) {
	return f.proxies, nil
}

func (f *fakeSource) LastFetchedAt() time.Time { return time.Time{} }

func newTestPool(t *testing.T, proxies ...proxytype.Proxy) (*pool.Manager, *cache.TieredCache) {
	t.Helper()
	c := cache.New(kvstore.NewMemory(), cache.DefaultCapacities())
	adapters := []source.Adapter{&fakeSource{name: "s", proxies: proxies}}
	m := pool.New(pool.Config{Sources: adapters, Validator: validator.New(4), Cache: c})
	return m, c
}

func TestPrimeFetchesAndValidatesIntoPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	p := proxytype.Proxy{Host: host, Port: port, Transport: proxytype.HTTP}

	m, c := newTestPool(t, p)
	pr := New(Config{Pool: m, Cache: c})

	pr.Prime(context.Background())

	stats := m.Stats()
	if stats.Active != 1 {
		t.Errorf("expected the primed proxy to be active, got stats %+v", stats)
	}
}

func TestRevalidateCapsSecondaryAndTertiarySamples(t *testing.T) {
	c := cache.New(kvstore.NewMemory(), cache.DefaultCapacities())
	m := pool.New(pool.Config{Validator: validator.New(4), Cache: c})
	pr := New(Config{Pool: m, Cache: c})

	for i := 0; i < 30; i++ {
		p := proxytype.Proxy{Host: "10.0.0.1", Port: 8000 + i, Transport: proxytype.HTTP}
		score := proxytype.NewProxyScore()
		// Three uses bring the usage count to 3, which places the entry in
		// the secondary tier.
		for j := 0; j < 3; j++ {
			score.RecordSuccess(10)
			if err := c.Add(context.Background(), p, score.Snapshot()); err != nil {
				t.Fatalf("Add: %v", err)
			}
		}
	}

	secondary := c.GetTier(cache.Secondary)
	if len(secondary) == 0 {
		t.Fatal("expected some entries to land in the secondary tier for this test to be meaningful")
	}

	sampled := sample(secondary, secondarySampleSize)
	if len(sampled) > secondarySampleSize {
		t.Errorf("expected at most %d sampled secondary entries, got %d", secondarySampleSize, len(sampled))
	}

	// revalidate should not panic or block when the pool has no
	// validator transport reachable; proxies simply fail validation.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pr.revalidate(ctx)
}

func TestStartPrimesThenStopsCleanly(t *testing.T) {
	c := cache.New(kvstore.NewMemory(), cache.DefaultCapacities())
	m := pool.New(pool.Config{Validator: validator.New(4), Cache: c})
	pr := New(Config{Pool: m, Cache: c, ValidationInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pr.Start(ctx)
	pr.Stop()
}

func TestSampleReturnsAllWhenUnderLimit(t *testing.T) {
	entries := []cache.Entry{{}, {}}
	got := sample(entries, 10)
	if len(got) != 2 {
		t.Errorf("expected all entries returned when under the limit, got %d", len(got))
	}
}
