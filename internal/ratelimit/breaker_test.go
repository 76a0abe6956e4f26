package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/quota-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	calls    int
	decision Decision
	err      error
}

func (s *stubEngine) Name() string {
	return "stub"
}

func (s *stubEngine) TryAcquire(_ context.Context, _ string, _, _ float64, _ int64) (Decision, error) {
	s.calls++
	return s.decision, s.err
}

func TestGuardedEngine_OpensOnUnavailable(t *testing.T) {
	now := time.Unix(testNow, 0)
	stub := &stubEngine{err: unavailable("try_acquire", fmt.Errorf("dial tcp: refused"))}
	cb := circuitbreaker.New(circuitbreaker.Config{
		MaxFailures: 2,
		Timeout:     10 * time.Second,
		Now:         func() time.Time { return now },
	})
	g := NewGuardedEngine(stub, cb, metrics.New(prometheus.NewRegistry()))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.TryAcquire(ctx, "b", 10, 1, testNow)
		assert.ErrorIs(t, err, ErrEngineUnavailable)
	}
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	// Short-circuited without reaching the store
	_, err := g.TryAcquire(ctx, "b", 10, 1, testNow)
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, stub.calls)

	// Store recovers after the open window
	stub.err = nil
	stub.decision = Decision{Admitted: true, Tokens: 9}
	now = now.Add(11 * time.Second)

	d, err := g.TryAcquire(ctx, "b", 10, 1, testNow)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
}

func TestGuardedEngine_DenialsAndInvalidTierDoNotTrip(t *testing.T) {
	stub := &stubEngine{decision: Decision{Admitted: false}}
	cb := circuitbreaker.New(circuitbreaker.Config{MaxFailures: 1})
	g := NewGuardedEngine(stub, cb, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := g.TryAcquire(ctx, "b", 10, 1, testNow)
		require.NoError(t, err)
		assert.False(t, d.Admitted)
	}

	stub.err = fmt.Errorf("%w: capacity must be > 0", ErrInvalidTier)
	_, err := g.TryAcquire(ctx, "b", 0, 1, testNow)
	assert.ErrorIs(t, err, ErrInvalidTier)

	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	assert.Equal(t, "stub", g.Name())
}
