package pool

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/pivox-go/pivox/internal/cache"
	"github.com/pivox-go/pivox/internal/kvstore"
	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/proxytype"
	"github.com/pivox-go/pivox/internal/source"
	"github.com/pivox-go/pivox/internal/validator"
)

type fakeSource struct {
	name      string
	proxies   []proxytype.Proxy
	err       error
	fetchedAt time.Time
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context) ([]proxytype.Proxy, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.fetchedAt = time.Now()
	return f.proxies, nil
}

func (f *fakeSource) LastFetchedAt() time.Time { return f.fetchedAt }

func newTestManager(sources ...*fakeSource) *Manager {
	adapters := make([]source.Adapter, len(sources))
	for i, s := range sources {
		adapters[i] = s
	}

	c := cache.New(kvstore.NewMemory(), cache.DefaultCapacities())
	return New(Config{
		Sources:   adapters,
		Validator: validator.New(4),
		Cache:     c,
	})
}

func TestFetchMergesFromSourcesAndDedupes(t *testing.T) {
	p1 := proxytype.Proxy{Host: "1.1.1.1", Port: 80, Transport: proxytype.HTTP}
	src := &fakeSource{name: "s1", proxies: []proxytype.Proxy{p1, p1}}

	m := newTestManager(src)
	got := m.Fetch(context.Background(), FetchOptions{})
	if len(got) != 1 {
		t.Fatalf("expected 1 deduplicated proxy, got %d: %+v", len(got), got)
	}
}

func TestFetchSkipsFailingSourcesWithoutError(t *testing.T) {
	good := &fakeSource{name: "good", proxies: []proxytype.Proxy{{Host: "2.2.2.2", Port: 80, Transport: proxytype.HTTP}}}
	bad := &fakeSource{name: "bad", err: errors.New("unreachable")}

	m := newTestManager(good, bad)
	got := m.Fetch(context.Background(), FetchOptions{})
	if len(got) != 1 {
		t.Fatalf("expected the good source's proxy despite the bad source failing, got %+v", got)
	}
}

func TestFetchAllSourcesDryReturnsEmptyNotError(t *testing.T) {
	bad := &fakeSource{name: "bad", err: errors.New("unreachable")}
	m := newTestManager(bad)
	got := m.Fetch(context.Background(), FetchOptions{})
	if len(got) != 0 {
		t.Errorf("expected empty set when all sources fail, got %+v", got)
	}
}

func TestNextFailsWhenPoolEmpty(t *testing.T) {
	m := newTestManager()
	_, err := m.Next(context.Background(), NextOptions{})
	if !errors.Is(err, pivoxerr.ErrNoProxiesAvailable) {
		t.Errorf("expected ErrNoProxiesAvailable, got %v", err)
	}
}

func TestValidateTransitionsStateAndScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	p := proxytype.Proxy{Host: host, Port: port, Transport: proxytype.HTTP}

	m := newTestManager(&fakeSource{name: "s", proxies: []proxytype.Proxy{p}})
	m.Fetch(context.Background(), FetchOptions{})

	ok, err := m.Validate(context.Background(), p)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatal("expected validation success")
	}

	candidates := m.eligibleCandidates(false)
	if len(candidates) != 1 {
		t.Fatalf("expected the proxy to become active after validation, got %+v", candidates)
	}
}

func TestNextExcludesUnvalidatedProxiesByDefault(t *testing.T) {
	p := proxytype.Proxy{Host: "6.6.6.6", Port: 80, Transport: proxytype.HTTP}
	m := newTestManager(&fakeSource{name: "s", proxies: []proxytype.Proxy{p}})
	m.Fetch(context.Background(), FetchOptions{})

	_, err := m.Next(context.Background(), NextOptions{})
	if !errors.Is(err, pivoxerr.ErrNoProxiesAvailable) {
		t.Errorf("expected unvalidated proxy to be excluded by default, got %v", err)
	}

	got, err := m.Next(context.Background(), NextOptions{Unvalidated: true})
	if err != nil {
		t.Fatalf("Next with Unvalidated: %v", err)
	}
	if !got.Equal(p) {
		t.Errorf("expected to select the unvalidated proxy, got %+v", got)
	}
}

func TestRecordFailureTransitionsToInactiveAfterThreshold(t *testing.T) {
	p := proxytype.Proxy{Host: "3.3.3.3", Port: 80, Transport: proxytype.HTTP}
	m := newTestManager(&fakeSource{name: "s", proxies: []proxytype.Proxy{p}})
	m.Fetch(context.Background(), FetchOptions{})
	m.setState(p, Active)

	for i := 0; i < consecutiveFailCap; i++ {
		m.RecordFailure(p)
	}

	m.mu.RLock()
	state := m.proxies[p.ID()].state
	m.mu.RUnlock()
	if state != Inactive {
		t.Errorf("expected Inactive after %d consecutive failures, got %v", consecutiveFailCap, state)
	}
}

func TestLeaseAndRelease(t *testing.T) {
	p := proxytype.Proxy{Host: "4.4.4.4", Port: 80, Transport: proxytype.HTTP}
	m := newTestManager(&fakeSource{name: "s", proxies: []proxytype.Proxy{p}})
	m.Fetch(context.Background(), FetchOptions{})
	m.setState(p, Active)

	leased, err := m.Lease("persona-1", time.Minute, "")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if !leased.Equal(p) {
		t.Errorf("expected to lease the only active proxy, got %+v", leased)
	}

	_, err = m.Lease("persona-2", time.Minute, "")
	if !errors.Is(err, pivoxerr.ErrNoProxiesAvailable) {
		t.Errorf("expected no proxies available for a second persona, got %v", err)
	}

	m.Release("persona-1")
	_, err = m.Lease("persona-2", time.Minute, "")
	if err != nil {
		t.Errorf("expected persona-2 to lease after release, got %v", err)
	}
}

func TestStatsCountsByState(t *testing.T) {
	p := proxytype.Proxy{Host: "5.5.5.5", Port: 80, Transport: proxytype.HTTP, Metadata: proxytype.Metadata{Country: "US"}}
	m := newTestManager(&fakeSource{name: "s", proxies: []proxytype.Proxy{p}})
	m.Fetch(context.Background(), FetchOptions{})

	stats := m.Stats()
	if stats.Total != 1 || stats.Unknown != 1 {
		t.Errorf("expected 1 unknown proxy, got %+v", stats)
	}
	if stats.ByCountry["US"] != 1 {
		t.Errorf("expected US country count 1, got %+v", stats.ByCountry)
	}
}
