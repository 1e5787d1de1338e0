// Package ratelimit provides per-provider token-bucket admission control for
// extraction stream calls.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/docflow/internal/model"
)

// ErrCostExceedsCapacity is returned when a single request asks for more
// tokens than the bucket can ever hold.
var ErrCostExceedsCapacity = eris.New("ratelimit: cost exceeds bucket capacity")

// BucketConfig sizes one provider's bucket.
type BucketConfig struct {
	// Rate is the refill rate in tokens per second.
	Rate float64 `yaml:"rate" mapstructure:"rate"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst" mapstructure:"burst"`
}

// DefaultBucketConfig is used for providers with no explicit configuration.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{Rate: 5, Burst: 5}
}

func (c BucketConfig) withDefaults() BucketConfig {
	d := DefaultBucketConfig()
	if c.Rate <= 0 {
		c.Rate = d.Rate
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	return c
}

// bucket wraps a rate.Limiter with adaptive rate adjustment. After a
// throttle response the rate halves (down to configured/4); each success
// raises it by 20%, never above the configured rate.
type bucket struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	configured  rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

func newBucket(cfg BucketConfig) *bucket {
	r := rate.Limit(cfg.Rate)
	return &bucket{
		limiter:     rate.NewLimiter(r, cfg.Burst),
		configured:  r,
		minRate:     r / 4,
		currentRate: r,
	}
}

// Limiter holds one bucket per provider. Buckets for unknown providers are
// created on first use from the default config.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	defaults BucketConfig

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Limiter with the given per-provider buckets.
func New(providers map[string]BucketConfig, defaults BucketConfig) *Limiter {
	l := &Limiter{
		buckets:  make(map[string]*bucket, len(providers)),
		defaults: defaults.withDefaults(),
		nowFunc:  time.Now,
	}
	for name, cfg := range providers {
		l.buckets[name] = newBucket(cfg.withDefaults())
	}
	return l
}

func (l *Limiter) bucket(provider string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[provider]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok = l.buckets[provider]; ok {
		return b
	}
	b = newBucket(l.defaults)
	l.buckets[provider] = b
	return b
}

func normalizeCost(cost int) int {
	if cost <= 0 {
		return 1
	}
	return cost
}

// Acquire blocks until cost tokens are available in the provider's bucket
// or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, provider string, cost int) error {
	cost = normalizeCost(cost)
	b := l.bucket(provider)
	if cost > b.limiter.Burst() {
		return eris.Wrapf(ErrCostExceedsCapacity, "provider %s: cost %d, capacity %d", provider, cost, b.limiter.Burst())
	}
	return eris.Wrapf(b.limiter.WaitN(ctx, cost), "ratelimit: acquire %s", provider)
}

// Reserve takes cost tokens as of now and returns how long the caller must
// wait before using them. The tokens are consumed even if the caller never
// waits.
func (l *Limiter) Reserve(provider string, cost int, now time.Time) (time.Duration, error) {
	cost = normalizeCost(cost)
	b := l.bucket(provider)
	r := b.limiter.ReserveN(now, cost)
	if !r.OK() {
		return 0, eris.Wrapf(ErrCostExceedsCapacity, "provider %s: cost %d, capacity %d", provider, cost, b.limiter.Burst())
	}
	return r.DelayFrom(now), nil
}

// Allow reports whether cost tokens are available at time now, consuming
// them if so.
func (l *Limiter) Allow(provider string, cost int, now time.Time) bool {
	return l.bucket(provider).limiter.AllowN(now, normalizeCost(cost))
}

// Throttled lowers the provider's refill rate after it pushed back.
func (l *Limiter) Throttled(provider string) {
	b := l.bucket(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	newRate := b.currentRate * 0.5
	if newRate < b.minRate {
		newRate = b.minRate
	}
	b.currentRate = newRate
	b.limiter.SetLimitAt(l.nowFunc(), newRate)
	zap.L().Warn("ratelimit: reducing rate after throttle",
		zap.String("provider", provider),
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Succeeded raises a throttled provider's rate back toward its configured
// value.
func (l *Limiter) Succeeded(provider string) {
	b := l.bucket(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentRate >= b.configured {
		return
	}
	newRate := b.currentRate * 1.2
	if newRate > b.configured {
		newRate = b.configured
	}
	b.currentRate = newRate
	b.limiter.SetLimitAt(l.nowFunc(), newRate)
}

// Rate returns the provider's current refill rate.
func (l *Limiter) Rate(provider string) float64 {
	b := l.bucket(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.currentRate)
}

// Buckets returns a diagnostic snapshot of every bucket, sorted by provider.
func (l *Limiter) Buckets(now time.Time) []model.BucketState {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.BucketState, 0, len(l.buckets))
	for name, b := range l.buckets {
		out = append(out, model.BucketState{
			Provider:   name,
			Capacity:   b.limiter.Burst(),
			Tokens:     b.limiter.TokensAt(now),
			RefillRate: float64(b.limiter.Limit()),
			LastRefill: now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
