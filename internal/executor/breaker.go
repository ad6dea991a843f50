package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sbomer/model"
)

// ErrCircuitOpen is returned by a GuardedClient while the executor is
// considered unavailable.
var ErrCircuitOpen = errors.New("executor unavailable: circuit open")

// BreakerState is the state of a GuardedClient's breaker.
type BreakerState int

const (
	// BreakerClosed passes every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown has elapsed.
	BreakerOpen
	// BreakerHalfOpen lets calls reach the executor again on trial.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultBreakerFailures  = 5
	defaultBreakerCooldown  = 30 * time.Second
	breakerRecoverSuccesses = 2
)

// GuardedClient wraps a Client so that a failing executor API stops being
// called for a cooldown period. Reconciliations fail fast with
// ErrCircuitOpen and are requeued by the controller.
type GuardedClient struct {
	inner  Client
	logger *zap.Logger

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
}

// NewGuardedClient wraps inner. failures consecutive errors open the
// breaker; after cooldown calls are let through again and two successes
// close it.
func NewGuardedClient(inner Client, failures int, cooldown time.Duration, logger *zap.Logger) *GuardedClient {
	if failures < 1 {
		failures = defaultBreakerFailures
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardedClient{
		inner:     inner,
		logger:    logger,
		threshold: failures,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Create implements Client.
func (g *GuardedClient) Create(ctx context.Context, spec model.ResourceSpec) error {
	if err := g.allow(); err != nil {
		return err
	}
	err := g.inner.Create(ctx, spec)
	g.record(ctx, err)
	return err
}

// List implements Client.
func (g *GuardedClient) List(ctx context.Context, workUnitID string) ([]model.ExecutorResource, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	res, err := g.inner.List(ctx, workUnitID)
	g.record(ctx, err)
	return res, err
}

// Watch implements Client. The watch keeps its own retry loop and is not
// guarded.
func (g *GuardedClient) Watch(ctx context.Context) (<-chan string, error) {
	return g.inner.Watch(ctx)
}

// DeleteFor implements Client.
func (g *GuardedClient) DeleteFor(ctx context.Context, workUnitID string) error {
	if err := g.allow(); err != nil {
		return err
	}
	err := g.inner.DeleteFor(ctx, workUnitID)
	g.record(ctx, err)
	return err
}

// HealthCheck reports the breaker state before asking the executor.
func (g *GuardedClient) HealthCheck(ctx context.Context) error {
	if g.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return g.inner.HealthCheck(ctx)
}

// State returns the current breaker state.
func (g *GuardedClient) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeHalfOpen()
	return g.state
}

func (g *GuardedClient) allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maybeHalfOpen()
	if g.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// maybeHalfOpen must be called with the lock held.
func (g *GuardedClient) maybeHalfOpen() {
	if g.state == BreakerOpen && g.now().Sub(g.openedAt) >= g.cooldown {
		g.state = BreakerHalfOpen
		g.successes = 0
		g.logger.Info("executor breaker half-open")
	}
}

func (g *GuardedClient) record(ctx context.Context, err error) {
	// Cancellation by the caller says nothing about the executor.
	if err != nil && ctx.Err() != nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		switch g.state {
		case BreakerClosed:
			g.failures = 0
		case BreakerHalfOpen:
			g.successes++
			if g.successes >= breakerRecoverSuccesses {
				g.state = BreakerClosed
				g.failures = 0
				g.logger.Info("executor breaker closed")
			}
		}
		return
	}

	switch g.state {
	case BreakerClosed:
		g.failures++
		if g.failures >= g.threshold {
			g.open(err)
		}
	case BreakerHalfOpen:
		g.open(err)
	}
}

// open must be called with the lock held.
func (g *GuardedClient) open(cause error) {
	g.state = BreakerOpen
	g.openedAt = g.now()
	g.successes = 0
	g.logger.Warn("executor breaker open",
		zap.Int("consecutive_failures", g.failures),
		zap.Duration("cooldown", g.cooldown),
		zap.Error(cause),
	)
}
