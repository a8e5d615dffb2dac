package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PermitLimiter admits calls against a per-service budget.
type PermitLimiter interface {
	// Acquire returns nil once the call may proceed. It waits at most the
	// configured timeout and returns an error wrapping ErrRateLimited when
	// capacity would only be available later than that.
	Acquire(ctx context.Context) error
}

// RateLimiterConfig contains configuration for a fixed-period rate limiter.
type RateLimiterConfig struct {
	// LimitForPeriod is the number of permits available per refresh period.
	LimitForPeriod int
	// LimitRefreshPeriod is the length of one period.
	LimitRefreshPeriod time.Duration
	// TimeoutDuration is the longest a caller waits for a permit.
	TimeoutDuration time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		LimitForPeriod:     50,
		LimitRefreshPeriod: time.Second,
		TimeoutDuration:    5 * time.Second,
	}
}

// RateLimiter hands out LimitForPeriod permits per period. Periods are
// aligned on the limiter's creation time. A caller that finds the current
// period exhausted reserves a permit in a later period and sleeps until it
// starts, provided that is within TimeoutDuration.
type RateLimiter struct {
	mu      sync.Mutex
	name    string
	config  RateLimiterConfig
	origin  time.Time
	cycle   int64
	permits int // negative when future periods are already reserved

	now func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(name string, cfg RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.LimitForPeriod <= 0 {
		cfg.LimitForPeriod = def.LimitForPeriod
	}
	if cfg.LimitRefreshPeriod <= 0 {
		cfg.LimitRefreshPeriod = def.LimitRefreshPeriod
	}
	if cfg.TimeoutDuration < 0 {
		cfg.TimeoutDuration = 0
	}
	return &RateLimiter{
		name:    name,
		config:  cfg,
		origin:  time.Now(),
		permits: cfg.LimitForPeriod,
		now:     time.Now,
	}
}

// Acquire reserves one permit, waiting for a later period if needed.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	wait, cycle, err := rl.reserveCycle()
	if err != nil {
		return err
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		rl.cancel(cycle)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cancel returns a permit reserved in cycle if that period has not started.
func (rl *RateLimiter) cancel(cycle int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refresh(rl.now())
	if rl.cycle < cycle && rl.permits < rl.config.LimitForPeriod {
		rl.permits++
	}
}

// TryAcquire takes a permit from the current period without waiting.
func (rl *RateLimiter) TryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refresh(rl.now())
	if rl.permits > 0 {
		rl.permits--
		return true
	}
	return false
}

func (rl *RateLimiter) reserve() (time.Duration, error) {
	wait, _, err := rl.reserveCycle()
	return wait, err
}

// reserveCycle takes a permit and returns how long to wait for it and the
// period it belongs to.
func (rl *RateLimiter) reserveCycle() (time.Duration, int64, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.refresh(now)
	if rl.permits > 0 {
		rl.permits--
		return 0, rl.cycle, nil
	}

	limit := rl.config.LimitForPeriod
	period := rl.config.LimitRefreshPeriod
	deficit := 1 - rl.permits
	cycles := int64((deficit + limit - 1) / limit)
	nextStart := rl.origin.Add(time.Duration(rl.cycle+cycles) * period)
	wait := nextStart.Sub(now)

	if wait > rl.config.TimeoutDuration {
		return 0, 0, &RateLimitError{Key: rl.name, RetryAfter: wait}
	}
	rl.permits--
	return wait, rl.cycle + cycles, nil
}

func (rl *RateLimiter) refresh(now time.Time) {
	cycle := int64(now.Sub(rl.origin) / rl.config.LimitRefreshPeriod)
	if cycle <= rl.cycle {
		return
	}
	elapsed := cycle - rl.cycle
	limit := int64(rl.config.LimitForPeriod)
	permits := int64(rl.permits) + elapsed*limit
	if permits > limit {
		permits = limit
	}
	rl.permits = int(permits)
	rl.cycle = cycle
}

// Available returns the permits left in the current period. Negative values
// are permits already promised to waiting callers.
func (rl *RateLimiter) Available() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refresh(rl.now())
	return rl.permits
}

// Name returns the limiter name.
func (rl *RateLimiter) Name() string { return rl.name }

// Config returns the limiter settings.
func (rl *RateLimiter) Config() RateLimiterConfig { return rl.config }

// ErrRateLimited is returned when rate limit is exceeded.
var ErrRateLimited = &RateLimitError{}

// RateLimitError indicates a rate limit was exceeded.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Key == "" {
		return "rate limit exceeded"
	}
	return fmt.Sprintf("rate limit exceeded for %s (retry after %s)", e.Key, e.RetryAfter.Round(time.Millisecond))
}

// Is makes every RateLimitError match ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}
