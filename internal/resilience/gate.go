package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// GateConfig configures a Gate.
type GateConfig struct {
	// IdleTTL drops instances of services that saw no traffic for this long. Zero keeps them forever.
	IdleTTL time.Duration
	// Distributed, when set, replaces the in-process limiter with a shared one.
	Distributed DistributedLimiter
	// FailOpen lets calls through when the distributed limiter backend errors.
	FailOpen bool
	// OnStateChange is called asynchronously on every breaker transition.
	OnStateChange func(service string, from, to CircuitState)
	// OnReject is called with the service and the rejection cause.
	OnReject func(service string, err error)
	Logger   *slog.Logger
}

// Instances is the breaker and limiter pair of one service.
type Instances struct {
	Breaker *CircuitBreaker
	Limiter PermitLimiter

	rejectLog rate.Sometimes
}

// Gate owns lazily created resilience instances keyed by service name.
type Gate struct {
	mu     sync.Mutex // serializes construction, eviction and idle refresh
	cache  *gocache.Cache
	config GateConfig
	logger *slog.Logger
}

// NewGate creates an empty gate.
func NewGate(cfg GateConfig) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "resilience_gate")

	expiration := gocache.NoExpiration
	cleanup := time.Duration(0)
	if cfg.IdleTTL > 0 {
		expiration = cfg.IdleTTL
		cleanup = cfg.IdleTTL / 2
	}

	g := &Gate{
		cache:  gocache.New(expiration, cleanup),
		config: cfg,
		logger: logger,
	}
	g.cache.OnEvicted(func(service string, _ interface{}) {
		g.logger.Debug("resilience instances dropped", "service", service)
	})
	return g
}

// Acquire returns the cached instances of service, creating them from the
// given configs on first use. Configs are ignored once instances exist;
// call Evict to rebuild from new settings.
func (g *Gate) Acquire(service string, cbCfg CircuitBreakerConfig, rlCfg RateLimiterConfig) *Instances {
	if v, exp, ok := g.cache.GetWithExpiration(service); ok {
		inst := v.(*Instances)
		g.touch(service, inst, exp)
		return inst
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if v, ok := g.cache.Get(service); ok {
		return v.(*Instances)
	}

	breaker := NewCircuitBreaker(service, cbCfg)
	if fn := g.config.OnStateChange; fn != nil {
		breaker.OnStateChange(func(name string, from, to CircuitState) {
			fn(name, from, to)
		})
	}
	inst := &Instances{
		Breaker:   breaker,
		Limiter:   g.newLimiter(service, rlCfg),
		rejectLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	g.cache.SetDefault(service, inst)

	g.logger.Debug("resilience instances created",
		"service", service,
		"sliding_window", cbCfg.SlidingWindowSize,
		"failure_rate_threshold", cbCfg.FailureRateThreshold,
		"limit_for_period", rlCfg.LimitForPeriod,
		"refresh_period", rlCfg.LimitRefreshPeriod,
	)
	return inst
}

func (g *Gate) newLimiter(service string, cfg RateLimiterConfig) PermitLimiter {
	if g.config.Distributed != nil {
		return NewSharedRateLimiter(g.config.Distributed, service, cfg, g.config.FailOpen, g.logger)
	}
	return NewRateLimiter(service, cfg)
}

// touch pushes the idle deadline forward once half of it is used up.
func (g *Gate) touch(service string, inst *Instances, exp time.Time) {
	if g.config.IdleTTL <= 0 || exp.IsZero() || time.Until(exp) > g.config.IdleTTL/2 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.cache.Get(service); ok && cur == inst {
		g.cache.SetDefault(service, inst)
	}
}

// Evict drops the instances of service so the next Acquire rebuilds them.
func (g *Gate) Evict(service string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.cache.Get(service); ok {
		g.cache.Delete(service)
		g.logger.Info("resilience instances evicted", "service", service)
	}
}

// Lookup returns the instances of service without creating them.
func (g *Gate) Lookup(service string) (*Instances, bool) {
	v, ok := g.cache.Get(service)
	if !ok {
		return nil, false
	}
	return v.(*Instances), true
}

// Permit is an admitted call. Done must be called exactly once.
type Permit struct {
	breaker *CircuitBreaker
	once    sync.Once
}

// Done records the outcome of the call. A canceled context is neither a
// success nor a failure of the upstream and only returns the permission.
func (p *Permit) Done(err error) {
	p.once.Do(func() {
		switch {
		case err == nil:
			p.breaker.RecordSuccess()
		case errors.Is(err, context.Canceled):
			p.breaker.Release()
		default:
			p.breaker.RecordFailure()
		}
	})
}

// Admit runs the breaker then the limiter for service. Either may reject
// before any call is made; the limiter may also wait for capacity.
func (g *Gate) Admit(ctx context.Context, service string, cbCfg CircuitBreakerConfig, rlCfg RateLimiterConfig) (*Permit, error) {
	inst := g.Acquire(service, cbCfg, rlCfg)

	if !inst.Breaker.Allow() {
		err := fmt.Errorf("%s: %w", service, ErrCircuitOpen)
		g.rejected(service, inst, err)
		return nil, err
	}
	if err := inst.Limiter.Acquire(ctx); err != nil {
		inst.Breaker.Release()
		if !errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		g.rejected(service, inst, err)
		return nil, err
	}
	return &Permit{breaker: inst.Breaker}, nil
}

// Execute admits fn through the gate and records its outcome.
func (g *Gate) Execute(ctx context.Context, service string, cbCfg CircuitBreakerConfig, rlCfg RateLimiterConfig, fn func(ctx context.Context) error) error {
	permit, err := g.Admit(ctx, service, cbCfg, rlCfg)
	if err != nil {
		return err
	}
	err = fn(ctx)
	permit.Done(err)
	return err
}

func (g *Gate) rejected(service string, inst *Instances, err error) {
	if fn := g.config.OnReject; fn != nil {
		fn(service, err)
	}
	inst.rejectLog.Do(func() {
		g.logger.Warn("call rejected by resilience gate", "service", service, "error", err)
	})
}

// Stats returns current statistics for a service.
func (g *Gate) Stats(service string) GateStats {
	stats := GateStats{Service: service, CircuitState: "none", FailureRate: -1}
	inst, ok := g.Lookup(service)
	if !ok {
		return stats
	}
	stats.CircuitState = inst.Breaker.State().String()
	stats.FailureRate = inst.Breaker.FailureRate()
	if rl, ok := inst.Limiter.(*RateLimiter); ok {
		avail := rl.Available()
		stats.AvailablePermits = &avail
	}
	return stats
}

// GateStats contains current resilience statistics.
type GateStats struct {
	Service          string  `json:"service"`
	CircuitState     string  `json:"circuit_state"`
	FailureRate      float64 `json:"failure_rate"`
	AvailablePermits *int    `json:"available_permits,omitempty"`
}
