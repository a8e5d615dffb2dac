package resilience

import (
	"context"
	"log/slog"
	"time"
)

// Descriptor defines one fixed-window limit rule.
type Descriptor struct {
	Key    string        // service name
	Limit  int64         // permits per window
	Window time.Duration // window length
}

// LimitResult contains the result of a check.
type LimitResult struct {
	Allowed   bool
	Current   int64
	Remaining int64
	ResetAt   time.Time // when the current window ends
}

// DistributedLimiter counts permits in a store shared by every gateway instance.
type DistributedLimiter interface {
	// CheckAllow atomically increments the counter of the descriptor's
	// current window and reports whether the call fits.
	CheckAllow(ctx context.Context, desc Descriptor) (LimitResult, error)
}

// SharedRateLimiter applies a RateLimiterConfig through a DistributedLimiter.
// When the current window is exhausted it waits for the next one if that
// starts within TimeoutDuration, and retries there.
type SharedRateLimiter struct {
	backend  DistributedLimiter
	desc     Descriptor
	timeout  time.Duration
	failOpen bool
	logger   *slog.Logger
}

// NewSharedRateLimiter creates a limiter for one service.
func NewSharedRateLimiter(backend DistributedLimiter, name string, cfg RateLimiterConfig, failOpen bool, logger *slog.Logger) *SharedRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRateLimiterConfig()
	if cfg.LimitForPeriod <= 0 {
		cfg.LimitForPeriod = def.LimitForPeriod
	}
	if cfg.LimitRefreshPeriod <= 0 {
		cfg.LimitRefreshPeriod = def.LimitRefreshPeriod
	}
	return &SharedRateLimiter{
		backend:  backend,
		desc:     Descriptor{Key: name, Limit: int64(cfg.LimitForPeriod), Window: cfg.LimitRefreshPeriod},
		timeout:  cfg.TimeoutDuration,
		failOpen: failOpen,
		logger:   logger,
	}
}

// Acquire implements PermitLimiter.
func (l *SharedRateLimiter) Acquire(ctx context.Context) error {
	deadline := time.Now().Add(l.timeout)
	for {
		res, err := l.backend.CheckAllow(ctx, l.desc)
		if err != nil {
			if l.failOpen {
				l.logger.Warn("distributed rate limiter unavailable, allowing call", "service", l.desc.Key, "error", err)
				return nil
			}
			return err
		}
		if res.Allowed {
			return nil
		}

		wait := time.Until(res.ResetAt)
		if wait < 0 {
			wait = 0
		}
		if res.ResetAt.After(deadline) {
			return &RateLimitError{Key: l.desc.Key, RetryAfter: wait}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
