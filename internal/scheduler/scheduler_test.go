package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pivox-go/pivox/internal/pivoxerr"
	"github.com/pivox-go/pivox/internal/ratelimit"
	"github.com/pivox-go/pivox/internal/resource"
)

func newTestScheduler() *Scheduler {
	return New(Config{
		Limiter:            ratelimit.New(ratelimit.Limits{PerMinute: 1000, PerHour: 10000, PerDay: 100000}),
		Monitor:            resource.New(),
		MinLevel:           1,
		MaxLevel:           8,
		ResourceCheckEvery: time.Hour, // effectively disabled for most tests
	})
}

func TestEnqueueRunsTaskToCompletion(t *testing.T) {
	s := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	var ran atomic.Bool
	handle := s.Enqueue(&Task{
		ID:     "t1",
		Domain: "example.com",
		Work: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := handle.Wait(waitCtx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !ran.Load() {
		t.Error("expected work function to run")
	}
}

func TestDependentTaskWaitsForDependency(t *testing.T) {
	s := newTestScheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	var order []string
	first := s.Enqueue(&Task{
		ID:     "first",
		Domain: "example.com",
		Work: func(ctx context.Context) error {
			order = append(order, "first")
			return nil
		},
	})

	second := s.Enqueue(&Task{
		ID:           "second",
		Domain:       "example.com",
		Dependencies: []string{"first"},
		Work: func(ctx context.Context) error {
			order = append(order, "second")
			return nil
		},
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	first.Wait(waitCtx)
	second.Wait(waitCtx)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected first then second, got %v", order)
	}
}

func TestRetryableFailureRetriesUpToMax(t *testing.T) {
	s := newTestScheduler()
	s.policy.InitialBackoff = time.Millisecond
	s.policy.MaxBackoff = time.Millisecond
	s.policy.MaxRetries = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	var attempts atomic.Int64
	handle := s.Enqueue(&Task{
		ID:     "flaky",
		Domain: "example.com",
		Work: func(ctx context.Context) error {
			attempts.Add(1)
			return pivoxerr.NewProxyError(pivoxerr.KindProxyConnect, "1.2.3.4:80", nil)
		},
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	err := handle.Wait(waitCtx)
	if err == nil {
		t.Fatal("expected the task to ultimately fail")
	}
	if attempts.Load() != 3 { // initial attempt + 2 retries
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestCancelPreventsExecution(t *testing.T) {
	s := newTestScheduler()

	var ran atomic.Bool
	handle := s.Enqueue(&Task{
		ID:     "never",
		Domain: "example.com",
		Work: func(ctx context.Context) error {
			ran.Store(true)
			return nil
		},
	})
	s.Cancel("never")

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer waitCancel()
	handle.Wait(waitCtx)

	if ran.Load() {
		t.Error("expected a cancelled task to never run")
	}
}

func TestRescaleRespectsThresholdAndClamp(t *testing.T) {
	s := newTestScheduler()
	s.level.Store(4)
	s.threshold = 0.8

	s.rescale(resource.Sample{CPUUsage: 0.9, MemoryUsage: 0.1})
	if s.level.Load() != 3 {
		t.Errorf("expected level to shrink to 3 (round(4*0.8)), got %d", s.level.Load())
	}

	s.level.Store(4)
	s.rescale(resource.Sample{CPUUsage: 0.1, MemoryUsage: 0.1})
	if s.level.Load() != 5 {
		t.Errorf("expected level to grow to 5 (round(4*1.2)), got %d", s.level.Load())
	}

	s.level.Store(int64(s.maxLevel))
	s.rescale(resource.Sample{CPUUsage: 0.1, MemoryUsage: 0.1})
	if int(s.level.Load()) != s.maxLevel {
		t.Errorf("expected level to clamp at maxLevel=%d, got %d", s.maxLevel, s.level.Load())
	}
}

// TestPriorityOrdersStartAheadOfLowerPriority enqueues tasks for every
// priority level out of order while global concurrency is capped at 1,
// which serializes execution and makes start order observable.
func TestPriorityOrdersStartAheadOfLowerPriority(t *testing.T) {
	s := newTestScheduler()
	s.level.Store(1)
	s.maxLevel = 1

	var mu sync.Mutex
	var order []Priority

	priorities := []Priority{Background, Low, Normal, Critical, High}
	handles := make([]*Handle, 0, len(priorities))
	for i, p := range priorities {
		p := p
		handles = append(handles, s.Enqueue(&Task{
			ID:       fmt.Sprintf("t%d", i),
			Domain:   "example.com",
			Priority: p,
			Work: func(ctx context.Context) error {
				mu.Lock()
				order = append(order, p)
				mu.Unlock()
				return nil
			},
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	for _, h := range handles {
		if err := h.Wait(waitCtx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	want := []Priority{Critical, High, Normal, Low, Background}
	mu.Lock()
	got := append([]Priority(nil), order...)
	mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("expected %d tasks to run, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("start order = %v, want %v", got, want)
			break
		}
	}
}

// TestDomainConcurrencyCapsPerDomainWhileOtherDomainsProceed verifies both
// that no more than DomainConcurrency tasks for one domain run at once,
// and that a second domain is not starved while the first is at capacity.
func TestDomainConcurrencyCapsPerDomainWhileOtherDomainsProceed(t *testing.T) {
	s := newTestScheduler()
	s.domainCap = 2
	s.level.Store(8)
	s.maxLevel = 8

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	var (
		running    atomic.Int64
		maxRunning atomic.Int64
	)
	release := make(chan struct{})

	busyHandles := make([]*Handle, 0, 5)
	for i := 0; i < 5; i++ {
		busyHandles = append(busyHandles, s.Enqueue(&Task{
			ID:     fmt.Sprintf("busy%d", i),
			Domain: "busy.example.com",
			Work: func(ctx context.Context) error {
				n := running.Add(1)
				for {
					cur := maxRunning.Load()
					if n <= cur || maxRunning.CompareAndSwap(cur, n) {
						break
					}
				}
				<-release
				running.Add(-1)
				return nil
			},
		}))
	}

	quickHandle := s.Enqueue(&Task{
		ID:     "quick",
		Domain: "quick.example.com",
		Work: func(ctx context.Context) error {
			return nil
		},
	})

	quickCtx, quickCancel := context.WithTimeout(context.Background(), time.Second)
	defer quickCancel()
	if err := quickHandle.Wait(quickCtx); err != nil {
		t.Fatalf("expected the other domain's task to complete while busy.example.com is capped: %v", err)
	}

	close(release)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	for _, h := range busyHandles {
		if err := h.Wait(waitCtx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}

	if got := maxRunning.Load(); got > int64(s.domainCap) {
		t.Errorf("observed %d concurrent tasks for one domain, want <= %d", got, s.domainCap)
	}
}
