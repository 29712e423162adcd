// Package resource samples process CPU and memory usage on a fixed
// interval using syscall.Getrusage where available (linux/darwin), with
// a pure-runtime fallback on other platforms.
package resource

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// Sample is a single CPU/memory reading. Both fields are in [0,1].
type Sample struct {
	CPUUsage    float64
	MemoryUsage float64
	At          time.Time
}

// Monitor samples usage on CheckInterval and publishes the latest Sample
// under a seqlock-style single-writer/multi-reader discipline: readers
// load an atomic.Value and never block on the writer.
type Monitor struct {
	checkInterval time.Duration
	totalMemBytes uint64

	latest atomic.Value // Sample

	lastCPUTime time.Duration
	lastWall    time.Time
}

// Option configures a Monitor at construction.
type Option func(*Monitor)

// WithCheckInterval overrides the default 5s sampling interval.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) { m.checkInterval = d }
}

// WithTotalMemoryBytes overrides the denominator used for memory_usage.
// Defaults to a conservative 4GiB when the platform does not expose total
// physical memory through the standard library.
func WithTotalMemoryBytes(n uint64) Option {
	return func(m *Monitor) { m.totalMemBytes = n }
}

// New creates a Monitor. Call Start to begin sampling; readers may call
// Latest before Start, which returns the zero Sample.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		checkInterval: 5 * time.Second,
		totalMemBytes: 4 << 30,
		lastWall:      time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.latest.Store(Sample{})
	return m
}

// Start runs the sampling loop until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.sample()
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// Latest returns the most recent sample without blocking.
func (m *Monitor) Latest() Sample {
	return m.latest.Load().(Sample)
}

func (m *Monitor) sample() {
	now := time.Now()
	cpuTime := processCPUTime()

	wallDelta := now.Sub(m.lastWall)
	var cpuUsage float64
	if wallDelta > 0 && !m.lastWall.IsZero() {
		cpuDelta := cpuTime - m.lastCPUTime
		cpuUsage = cpuDelta.Seconds() / (wallDelta.Seconds() * float64(runtime.NumCPU()))
	}
	m.lastCPUTime = cpuTime
	m.lastWall = now

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	memUsage := float64(memStats.Sys) / float64(m.totalMemBytes)

	m.latest.Store(Sample{
		CPUUsage:    clamp01(cpuUsage),
		MemoryUsage: clamp01(memUsage),
		At:          now,
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
