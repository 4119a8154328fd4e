// Package ratelimit provides the token-bucket inter-request delay and
// exponential backoff helpers shared by the exchange adapter.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum inter-request delay per host, backed by
// golang.org/x/time/rate. A single Limiter is shared by every endpoint
// candidate so the effective request rate is global, not per-candidate.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// NewLimiter builds a Limiter enforcing at most one request per interval
// (plus one burst slot) per host. interval is typically RATE_LIMIT_MS.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
	}
}

func (l *Limiter) getLimiter(host string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[host]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[host]; ok {
		return lim
	}
	perSec := rate.Limit(time.Second) / rate.Limit(l.interval)
	lim = rate.NewLimiter(perSec, 1)
	l.limiters[host] = lim
	return lim
}

// Wait blocks until a request against host is permitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.getLimiter(host).Wait(ctx)
}

// SetInterval updates the minimum delay for all known hosts.
func (l *Limiter) SetInterval(interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interval = interval
	perSec := rate.Limit(time.Second) / rate.Limit(interval)
	for _, lim := range l.limiters {
		lim.SetLimit(perSec)
	}
}

// BackoffConfig parameterizes Backoff.
type BackoffConfig struct {
	Initial    time.Duration
	Multiplier float64
	Cap        time.Duration
}

// DefaultBackoffConfig matches the adapter's retry policy: initial 1s,
// multiplier 1.8, cap 20s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{Initial: time.Second, Multiplier: 1.8, Cap: 20 * time.Second}
}

// Backoff returns the delay before retry attempt n (1-indexed), with up
// to 25% jitter applied, capped at cfg.Cap.
func Backoff(cfg BackoffConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.Initial)
	for i := 1; i < attempt; i++ {
		d *= cfg.Multiplier
	}
	capped := time.Duration(d)
	if capped > cfg.Cap {
		capped = cfg.Cap
	}
	jitterRange := int64(float64(capped)*0.25) + 1
	jitter := time.Duration(rand.Int63n(jitterRange))
	d2 := capped - time.Duration(jitterRange)/2 + jitter
	if d2 > cfg.Cap {
		d2 = cfg.Cap
	}
	return d2
}
