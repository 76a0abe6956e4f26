package tier

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Tier is a named token bucket policy
type Tier struct {
	Name       string  `json:"name"`
	Capacity   float64 `json:"capacity"`
	RefillRate float64 `json:"refill_rate"` // Tokens per second
}

// MaxRefillSeconds caps the time to refill an empty bucket. Bucket TTLs
// are derived from it and must stay a positive integer for EXPIRE.
const MaxRefillSeconds = math.MaxInt32

// Validate checks the tier invariants
func (t Tier) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tier name is required")
	}
	if !(t.Capacity > 0) || math.IsInf(t.Capacity, 0) {
		return fmt.Errorf("tier %s: capacity must be > 0, got %v", t.Name, t.Capacity)
	}
	if !(t.RefillRate > 0) || math.IsInf(t.RefillRate, 0) {
		return fmt.Errorf("tier %s: refill rate must be > 0, got %v", t.Name, t.RefillRate)
	}
	if t.Capacity/t.RefillRate > MaxRefillSeconds {
		return fmt.Errorf("tier %s: refilling %v tokens at %v/s exceeds %d seconds", t.Name, t.Capacity, t.RefillRate, MaxRefillSeconds)
	}
	return nil
}

// TTLSeconds is the time to fully refill an empty bucket, rounded up.
// Idle buckets expire after this long.
func (t Tier) TTLSeconds() int64 {
	return TTLSeconds(t.Capacity, t.RefillRate)
}

// RetryAfterSeconds returns how long a caller holding `tokens` must wait
// for the next whole token
func (t Tier) RetryAfterSeconds(tokens float64) int64 {
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	wait := ceilSeconds(missing / t.RefillRate)
	if wait < 1 {
		wait = 1
	}
	return wait
}

// TTLSeconds returns ceil(capacity / refillRate), never less than one second
func TTLSeconds(capacity, refillRate float64) int64 {
	ttl := ceilSeconds(capacity / refillRate)
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

// ceilSeconds rounds up, ignoring float noise such as 60.00000000000001,
// and saturates at MaxRefillSeconds
func ceilSeconds(seconds float64) int64 {
	if !(seconds < MaxRefillSeconds) {
		return MaxRefillSeconds
	}
	return int64(math.Ceil(seconds - 1e-9))
}

// Table is the immutable set of configured tiers
type Table struct {
	tiers map[string]Tier
}

// NewTable validates the tiers and builds a Table. Names must be unique.
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one tier is required")
	}

	table := &Table{tiers: make(map[string]Tier, len(tiers))}
	for _, t := range tiers {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, exists := table.tiers[t.Name]; exists {
			return nil, fmt.Errorf("duplicate tier: %s", t.Name)
		}
		table.tiers[t.Name] = t
	}

	return table, nil
}

// Lookup returns the tier with the given name
func (t *Table) Lookup(name string) (Tier, bool) {
	tier, ok := t.tiers[name]
	return tier, ok
}

// Tiers returns all tiers sorted by name
func (t *Table) Tiers() []Tier {
	out := make([]Tier, 0, len(t.tiers))
	for _, tier := range t.tiers {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Len returns the number of tiers
func (t *Table) Len() int {
	return len(t.tiers)
}
