// Package retrypolicy is a pure backoff schedule: given an attempt
// number and an error kind, how long to wait and whether to bother at
// all. Per-host admission state lives in internal/ratelimit instead.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"

	"github.com/pivox-go/pivox/internal/pivoxerr"
)

// Policy is an exponential-backoff-with-jitter schedule.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool

	retryableKinds map[pivoxerr.Kind]bool
}

// Default returns sane defaults: 3 retries, 1s initial backoff doubling
// up to 30s, with jitter enabled.
func Default() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
		retryableKinds: defaultRetryableKinds(),
	}
}

func defaultRetryableKinds() map[pivoxerr.Kind]bool {
	return map[pivoxerr.Kind]bool{
		pivoxerr.KindProxyConnect: true,
		pivoxerr.KindProxyAuth:    true,
		pivoxerr.KindProxyTimeout: true,
		pivoxerr.KindRateLimited:  true,
	}
}

// Retryable reports whether kind should be retried under this policy. A
// zero-value Policy (no kinds configured) falls back to Kind.Retryable.
func (p Policy) Retryable(kind pivoxerr.Kind) bool {
	if p.retryableKinds == nil {
		return kind.Retryable()
	}
	return p.retryableKinds[kind]
}

// Backoff computes the wait before attempt (0-indexed):
// min(max_backoff, initial*multiplier^attempt), with optional uniform
// [0.5,1.0] jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxBackoff); backoff > max {
		backoff = max
	}

	if p.Jitter {
		backoff *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(backoff)
}

// MaxRetriesReached reports whether attempt has exhausted the policy's
// retry budget. MaxRetries=0 means a single attempt only.
func (p Policy) MaxRetriesReached(attempt int) bool {
	return attempt >= p.MaxRetries
}
