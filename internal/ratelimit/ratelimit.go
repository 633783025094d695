// Package ratelimit provides a sliding-window call admission limiter for
// outbound service traffic. Unlike a token bucket, the sliding window gives
// an exact per-minute bound, which is how most provider quotas are stated.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumilearn/orchestrator/internal/config"
	"github.com/lumilearn/orchestrator/internal/metrics"
)

// Limiter admits up to limit calls per window, tracked by exact timestamps.
// Allow is non-blocking; Wait blocks until a slot frees or the context ends.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	calls  []time.Time
	now    func() time.Time
}

// NewLimiter creates a limiter admitting limit calls per window.
func NewLimiter(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		calls:  make([]time.Time, 0, limit),
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed now and records it if so.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.prune(now)
	if len(l.calls) >= l.limit {
		return false
	}
	l.calls = append(l.calls, now)
	return true
}

// Wait blocks until a slot is available or the context is cancelled, then
// records the call. The retry interval is short relative to the window so a
// freed slot is picked up promptly.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		if l.Allow() {
			return nil
		}
		wait := l.nextSlot()
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// nextSlot estimates how long until the oldest call ages out of the window.
func (l *Limiter) nextSlot() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.calls) < l.limit {
		return 0
	}
	return l.calls[0].Add(l.window).Sub(l.now())
}

// Remaining reports how many calls are still admissible in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return l.limit - len(l.calls)
}

// prune drops timestamps older than the window; caller holds the lock.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

// Registry hands out one limiter per service, created on first use from the
// per-service configuration with a shared default.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	cfg      config.RateLimitConfig
	logger   *zap.Logger
}

// NewRegistry creates the per-service limiter registry.
func NewRegistry(cfg config.RateLimitConfig, logger *zap.Logger) *Registry {
	if cfg.DefaultPerMinute <= 0 {
		cfg.DefaultPerMinute = 60
	}
	return &Registry{
		limiters: make(map[string]*Limiter),
		cfg:      cfg,
		logger:   logger,
	}
}

// For returns the limiter for a service, creating it on first use.
func (r *Registry) For(service string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[service]; ok {
		return l
	}
	limit := r.cfg.DefaultPerMinute
	if per, ok := r.cfg.PerService[service]; ok && per > 0 {
		limit = per
	}
	l := NewLimiter(limit, time.Minute)
	r.limiters[service] = l
	return l
}

// Allow is a convenience wrapper recording rejections in metrics.
func (r *Registry) Allow(service string) bool {
	if r.For(service).Allow() {
		return true
	}
	metrics.RateLimitRejections.WithLabelValues(service).Inc()
	r.logger.Debug("Rate limit rejection",
		zap.String("service", service),
	)
	return false
}

// Wait blocks until the service's limiter admits a call.
func (r *Registry) Wait(ctx context.Context, service string) error {
	return r.For(service).Wait(ctx)
}
