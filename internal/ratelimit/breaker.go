package ratelimit

import (
	"context"
	"errors"

	"github.com/aman-churiwal/quota-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/quota-gateway/internal/metrics"
)

// GuardedEngine stops calling an unavailable store for a while. Only
// unavailable results count as failures; denials and invalid tier
// parameters pass through untouched.
type GuardedEngine struct {
	next    Engine
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Collector
}

func NewGuardedEngine(next Engine, breaker *circuitbreaker.CircuitBreaker, collector *metrics.Collector) *GuardedEngine {
	return &GuardedEngine{
		next:    next,
		breaker: breaker,
		metrics: collector,
	}
}

func (g *GuardedEngine) Name() string {
	return g.next.Name()
}

// Returns the wrapped breaker
func (g *GuardedEngine) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

func (g *GuardedEngine) TryAcquire(ctx context.Context, bucketID string, capacity, refillRate float64, nowSeconds int64) (Decision, error) {
	var (
		decision Decision
		passErr  error
	)

	err := g.breaker.Call(func() error {
		d, err := g.next.TryAcquire(ctx, bucketID, capacity, refillRate, nowSeconds)
		if err != nil && errors.Is(err, ErrEngineUnavailable) {
			return err
		}
		decision, passErr = d, err
		return nil
	})
	g.metrics.SetBreakerOpen(g.breaker.State() != circuitbreaker.StateClosed)

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return Decision{}, unavailable("breaker", err)
	}
	if err != nil {
		return Decision{}, err
	}

	return decision, passErr
}
