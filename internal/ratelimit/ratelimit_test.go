package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestWaitForPermissionImmediateWhenUnderCap(t *testing.T) {
	l := New(Limits{PerMinute: 30, PerHour: 500, PerDay: 5000})
	ctx := context.Background()

	start := time.Now()
	if err := l.WaitForPermission(ctx, "example.com"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("expected immediate grant, took %v", elapsed)
	}
}

// TestBoundaryReleaseAfterWindowAges checks that a limiter with cap 1
// and two concurrent calls releases the second exactly when the first's
// timestamp ages out of the window. Uses a shrunk window so the test
// runs in milliseconds.
func TestBoundaryReleaseAfterWindowAges(t *testing.T) {
	window := 150 * time.Millisecond
	l := newWithWindows(Limits{PerMinute: 1}, windowDurations{window, time.Hour, 24 * time.Hour})
	ctx := context.Background()

	if err := l.WaitForPermission(ctx, "ex.com"); err != nil {
		t.Fatalf("first call: %v", err)
	}

	start := time.Now()
	if err := l.WaitForPermission(ctx, "ex.com"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < window-30*time.Millisecond {
		t.Errorf("second call released too early: %v (window %v)", elapsed, window)
	}
	if elapsed > window+300*time.Millisecond {
		t.Errorf("second call released too late: %v (window %v)", elapsed, window)
	}
}

func TestFIFOOrderAcrossWaiters(t *testing.T) {
	window := 80 * time.Millisecond
	l := newWithWindows(Limits{PerMinute: 1}, windowDurations{window, time.Hour, 24 * time.Hour})
	ctx := context.Background()

	if err := l.WaitForPermission(ctx, "ex.com"); err != nil {
		t.Fatalf("seed call: %v", err)
	}

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if err := l.WaitForPermission(ctx, "ex.com"); err == nil {
				order <- i
			}
		}()
		time.Sleep(5 * time.Millisecond) // preserve enqueue order
	}

	var got []int
	for i := 0; i < 3; i++ {
		got = append(got, <-order)
	}

	for i, v := range got {
		if v != i {
			t.Errorf("waiter order = %v, want FIFO order [0 1 2]", got)
			break
		}
	}
}

func TestCancellationRemovesWaiterWithoutConsumingSlot(t *testing.T) {
	l := newWithWindows(Limits{PerMinute: 1}, windowDurations{time.Hour, time.Hour, 24 * time.Hour})

	if err := l.WaitForPermission(context.Background(), "ex.com"); err != nil {
		t.Fatalf("seed call: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.WaitForPermission(ctx, "ex.com")
	if err == nil {
		t.Fatal("expected context deadline error")
	}

	state := l.stateFor("ex.com")
	state.mu.Lock()
	n := state.waiters.Len()
	state.mu.Unlock()
	if n != 0 {
		t.Errorf("waiters queue leaked %d entries after cancellation", n)
	}
}

func TestPerDomainOverride(t *testing.T) {
	l := New(DefaultLimits())
	l.SetOverride("slow.example.com", Limits{PerMinute: 1, PerHour: 1, PerDay: 1})

	state := l.stateFor("slow.example.com")
	state.mu.Lock()
	got := state.limits
	state.mu.Unlock()

	if got.PerMinute != 1 {
		t.Errorf("override not applied: %+v", got)
	}
}
