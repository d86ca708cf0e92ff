package reminders

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig holds configuration for the send rate limiter.
type RateLimiterConfig struct {
	// Rate is the number of messages allowed per second.
	Rate float64 `yaml:"rate" env:"RATE"`
	// Burst is the maximum number of messages sent back to back.
	Burst int `yaml:"burst" env:"BURST"`
	// JitterMin is the minimum jitter delay in milliseconds.
	JitterMin int `yaml:"jitter_min_ms"`
	// JitterMax is the maximum jitter delay in milliseconds.
	JitterMax int `yaml:"jitter_max_ms"`
}

// DefaultRateLimiterConfig returns defaults suited to a typical SMTP relay.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:      5.0, // 5 messages per second
		Burst:     5,
		JitterMin: 20,
		JitterMax: 100,
	}
}

// RateLimiter paces sends across all workers of a run.
type RateLimiter struct {
	config  RateLimiterConfig
	limiter *rate.Limiter
	metrics *Metrics
	mu      sync.Mutex
	rng     *rand.Rand
}

// NewRateLimiter creates a new rate limiter with the given configuration.
// A non-positive rate disables limiting.
func NewRateLimiter(config RateLimiterConfig, metrics *Metrics) *RateLimiter {
	limit := rate.Inf
	if config.Rate > 0 {
		limit = rate.Limit(config.Rate)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks until a send is allowed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}

	if jitter := r.jitter(); jitter > 0 {
		timer := time.NewTimer(jitter)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if !r.limiter.Allow() {
		r.metrics.IncRateLimitWaits()
		return r.limiter.Wait(ctx)
	}
	return nil
}

func (r *RateLimiter) jitter() time.Duration {
	if r.config.JitterMax <= r.config.JitterMin {
		return time.Duration(r.config.JitterMin) * time.Millisecond
	}

	r.mu.Lock()
	ms := r.config.JitterMin + r.rng.Intn(r.config.JitterMax-r.config.JitterMin)
	r.mu.Unlock()

	return time.Duration(ms) * time.Millisecond
}
