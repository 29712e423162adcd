// Package rotation implements pluggable proxy selection strategies:
// round-robin, random, weighted, and least-recently-used, selectable and
// swappable at runtime.
package rotation

import (
	"crypto/rand"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/pivox-go/pivox/internal/proxytype"
)

// Candidate is a read-only snapshot of one proxy in the active set, the
// minimal shape every strategy needs to select over.
type Candidate struct {
	Proxy proxytype.Proxy
	Score proxytype.Snapshot
}

// Strategy selects one candidate from a snapshot. Implementations must
// be pure given the snapshot they're called with.
type Strategy interface {
	Select(candidates []Candidate) (Candidate, bool)
}

// Name identifies a built-in strategy for construction and runtime swaps.
type Name string

const (
	RoundRobin Name = "round-robin"
	Random     Name = "random"
	Weighted   Name = "weighted"
	LRU        Name = "least-recently-used"
)

// New constructs the built-in strategy for name.
func New(name Name) Strategy {
	switch name {
	case RoundRobin:
		return &roundRobinStrategy{}
	case Random:
		return &randomStrategy{}
	case Weighted:
		return &weightedStrategy{}
	case LRU:
		return &lruStrategy{}
	default:
		return &roundRobinStrategy{}
	}
}

// Selector holds the active Strategy and allows it to be swapped at
// runtime atomically.
type Selector struct {
	current atomic.Value // strategyHolder
}

// strategyHolder gives every stored strategy the same concrete type, which
// atomic.Value requires across Stores.
type strategyHolder struct{ Strategy }

// NewSelector creates a Selector starting with initial.
func NewSelector(initial Strategy) *Selector {
	s := &Selector{}
	s.current.Store(strategyHolder{initial})
	return s
}

// Swap atomically replaces the active strategy.
func (s *Selector) Swap(strategy Strategy) {
	s.current.Store(strategyHolder{strategy})
}

// Select delegates to the currently active strategy.
func (s *Selector) Select(candidates []Candidate) (Candidate, bool) {
	return s.current.Load().(strategyHolder).Select(candidates)
}

// roundRobinStrategy advances a stable index modulo the active list in
// the candidates' slice order. The pool manager passes candidates sorted
// by identity (host:port), so the cycle follows that order, not the order
// in which proxies were added.
type roundRobinStrategy struct {
	mu   sync.Mutex
	next int
}

func (r *roundRobinStrategy) Select(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.next % len(candidates)
	r.next++
	return candidates[idx], true
}

// randomStrategy selects uniformly over the active list.
type randomStrategy struct{}

func (randomStrategy) Select(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
	if err != nil {
		return candidates[0], true
	}
	return candidates[n.Int64()], true
}

// weightedStrategy samples proportional to composite score; proxies with
// zero score receive a floor of 0.05/N so they remain reachable.
type weightedStrategy struct{}

func (weightedStrategy) Select(candidates []Candidate) (Candidate, bool) {
	n := len(candidates)
	if n == 0 {
		return Candidate{}, false
	}

	floor := 0.05 / float64(n)
	weights := make([]float64, n)
	total := 0.0
	for i, c := range candidates {
		w := c.Score.Composite
		if w <= 0 {
			w = floor
		}
		weights[i] = w
		total += w
	}

	if total <= 0 {
		return candidates[0], true
	}

	target := randomFloat() * total
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if target <= cumulative {
			return candidates[i], true
		}
	}
	return candidates[n-1], true
}

func randomFloat() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(1<<53)
}

// lruStrategy picks the candidate with the minimum last_used_epoch_ms,
// ties broken by higher composite score.
type lruStrategy struct{}

func (lruStrategy) Select(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score.LastUsedEpochMs < best.Score.LastUsedEpochMs ||
			(c.Score.LastUsedEpochMs == best.Score.LastUsedEpochMs && c.Score.Composite > best.Score.Composite) {
			best = c
		}
	}
	return best, true
}
