package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/tier"
	log "github.com/sirupsen/logrus"
)

type memoryBucket struct {
	tokens     float64
	lastRefill int64
	expiresAt  int64
}

// MemoryEngine keeps buckets in process. It follows the same contract as
// RedisEngine but its quota is local to one replica.
type MemoryEngine struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		buckets: make(map[string]*memoryBucket),
	}
}

func (m *MemoryEngine) Name() string {
	return "memory"
}

func (m *MemoryEngine) TryAcquire(_ context.Context, bucketID string, capacity, refillRate float64, nowSeconds int64) (Decision, error) {
	if err := validateParams(bucketID, capacity, refillRate); err != nil {
		return Decision{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucketID]
	if !ok || nowSeconds >= b.expiresAt {
		b = &memoryBucket{tokens: capacity, lastRefill: nowSeconds}
		m.buckets[bucketID] = b
	}

	elapsed := math.Max(0, float64(nowSeconds-b.lastRefill))
	refilled := math.Min(capacity, math.Max(0, b.tokens)+elapsed*refillRate)

	admitted := false
	if refilled >= 1 {
		admitted = true
		refilled--
	}

	b.tokens = refilled
	b.lastRefill = nowSeconds
	b.expiresAt = nowSeconds + tier.TTLSeconds(capacity, refillRate)

	return Decision{Admitted: admitted, Tokens: refilled}, nil
}

// Removes buckets idle past their expiry and returns how many were dropped
func (m *MemoryEngine) Sweep(nowSeconds int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, b := range m.buckets {
		if nowSeconds >= b.expiresAt {
			delete(m.buckets, id)
			removed++
		}
	}
	return removed
}

// Returns the number of live buckets
func (m *MemoryEngine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Sweeps expired buckets on an interval until ctx is cancelled
func (m *MemoryEngine) RunSweeper(ctx context.Context, interval time.Duration, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := m.Sweep(now().Unix()); removed > 0 {
				log.WithField("removed", removed).Debug("swept expired quota buckets")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
