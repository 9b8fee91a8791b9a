// Package ratelimit guards outbound calls to a single source with a token
// bucket, jittered backoff after failures, and a consecutive-failure circuit
// breaker.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/metrics"
)

// Defaults applied when a Config leaves a field unset.
const (
	DefaultCapacity         = 5
	DefaultRefillRate       = 1.0
	DefaultFailureThreshold = 5
	DefaultCooldown         = 5 * time.Minute
)

// Config holds the per-source limiter settings.
type Config struct {
	// Capacity is the bucket size (burst).
	Capacity int
	// RefillRate is tokens added per second.
	RefillRate       float64
	FailureThreshold int
	Cooldown         time.Duration
	Backoff          Backoff
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.RefillRate <= 0 {
		c.RefillRate = DefaultRefillRate
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Backoff.Base <= 0 && c.Backoff.Max <= 0 {
		c.Backoff = DefaultBackoff()
	}
	return c
}

// TransitionFunc observes circuit state changes. It runs while the breaker
// lock is held and must not block or call back into the guard.
type TransitionFunc func(source string, from, to ingest.CircuitState)

// Guard protects one source. Acquire is safe for concurrent use, although in
// practice only the owning source pipeline calls it.
type Guard struct {
	name    string
	cfg     Config
	limiter *rate.Limiter
	breaker *breaker
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	retryAt time.Time
}

func newGuard(name string, cfg Config, now func() time.Time, onTransition TransitionFunc, logger *zap.Logger) *Guard {
	cfg = cfg.withDefaults()
	g := &Guard{
		name:    name,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity),
		now:     now,
		logger:  logger,
	}
	g.breaker = newBreaker(cfg.FailureThreshold, cfg.Cooldown, now, func(from, to ingest.CircuitState) {
		metrics.ObserveCircuitTransition(name, string(to))
		logger.Info("circuit transition",
			zap.String("source", name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		if onTransition != nil {
			onTransition(name, from, to)
		}
	})
	return g
}

// Name returns the guarded source name.
func (g *Guard) Name() string {
	return g.name
}

// Acquire suspends the caller until a token is available. It fails fast with
// *ingest.CircuitOpenError while the circuit is open, without waiting.
func (g *Guard) Acquire(ctx context.Context) error {
	ok, reopenAt := g.breaker.allow()
	if !ok {
		return &ingest.CircuitOpenError{Source: g.name, RetryAt: reopenAt}
	}

	start := time.Now()
	if err := g.waitBackoff(ctx); err != nil {
		g.breaker.release()
		return fmt.Errorf("backoff wait: %w", err)
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.breaker.release()
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(g.name, waited)
	}
	return nil
}

func (g *Guard) waitBackoff(ctx context.Context) error {
	g.mu.Lock()
	wait := g.retryAt.Sub(g.now())
	g.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RecordFailure pushes the next token out by a jittered exponential delay
// based on the failures seen so far, then counts this failure.
func (g *Guard) RecordFailure() {
	_, prior, _ := g.breaker.snapshot()
	delay := g.cfg.Backoff.Delay(prior)
	g.mu.Lock()
	g.retryAt = g.now().Add(delay)
	g.mu.Unlock()
	g.breaker.failure()
}

// RecordSuccess clears the backoff and closes the circuit.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	g.retryAt = time.Time{}
	g.mu.Unlock()
	g.breaker.success()
}

// Release gives back an admitted call that never reached the source, such as
// one cancelled by its caller. It frees the half-open probe slot without
// touching the failure count.
func (g *Guard) Release() {
	g.breaker.release()
}

// State returns a point-in-time snapshot for reports.
func (g *Guard) State() ingest.SourceState {
	circuit, failures, openedAt := g.breaker.snapshot()
	g.mu.Lock()
	retryAt := g.retryAt
	g.mu.Unlock()
	return ingest.SourceState{
		Name:                g.name,
		Circuit:             circuit,
		ConsecutiveFailures: failures,
		OpenedAt:            openedAt,
		RetryAt:             retryAt,
		Tokens:              g.limiter.TokensAt(time.Now()),
	}
}

// Registry owns one Guard per source.
type Registry struct {
	mu           sync.Mutex
	guards       map[string]*Guard
	defaults     Config
	now          func() time.Time
	onTransition TransitionFunc
	logger       *zap.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source used by the circuit breakers.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTransitionHook registers an observer for circuit transitions.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(r *Registry) {
		r.onTransition = fn
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a Registry whose unregistered sources use defaults.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	r := &Registry{
		guards:   make(map[string]*Guard),
		defaults: defaults.withDefaults(),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates (or replaces) the guard for source with cfg.
func (r *Registry) Register(source string, cfg Config) *Guard {
	g := newGuard(source, cfg, r.now, r.onTransition, r.logger)
	r.mu.Lock()
	r.guards[source] = g
	r.mu.Unlock()
	return g
}

// Guard returns the guard for source, creating one from defaults if needed.
func (r *Registry) Guard(source string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.guards[source]
	if !ok {
		g = newGuard(source, r.defaults, r.now, r.onTransition, r.logger)
		r.guards[source] = g
	}
	return g
}

// Acquire is Guard(source).Acquire(ctx).
func (r *Registry) Acquire(ctx context.Context, source string) error {
	return r.Guard(source).Acquire(ctx)
}

// RecordFailure is Guard(source).RecordFailure().
func (r *Registry) RecordFailure(source string) {
	r.Guard(source).RecordFailure()
}

// RecordSuccess is Guard(source).RecordSuccess().
func (r *Registry) RecordSuccess(source string) {
	r.Guard(source).RecordSuccess()
}

// CircuitState returns the breaker state of source without creating a guard.
func (r *Registry) CircuitState(source string) ingest.CircuitState {
	r.mu.Lock()
	g, ok := r.guards[source]
	r.mu.Unlock()
	if !ok {
		return ingest.CircuitClosed
	}
	state, _, _ := g.breaker.snapshot()
	return state
}

// Snapshot returns the state of every guard, sorted by name.
func (r *Registry) Snapshot() []ingest.SourceState {
	r.mu.Lock()
	guards := make([]*Guard, 0, len(r.guards))
	for _, g := range r.guards {
		guards = append(guards, g)
	}
	r.mu.Unlock()
	states := make([]ingest.SourceState, 0, len(guards))
	for _, g := range guards {
		states = append(states, g.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}
