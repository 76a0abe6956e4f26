package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Engine decides whether one unit of quota is available in a bucket.
//
// TryAcquire runs the read-refill-decide-write sequence as one atomic step.
// nowSeconds is supplied by the caller so replicas evaluating the same
// instant agree. A store failure is reported as an error matching
// ErrEngineUnavailable and is never turned into a denial.
type Engine interface {
	TryAcquire(ctx context.Context, bucketID string, capacity, refillRate float64, nowSeconds int64) (Decision, error)

	// Returns the engine name
	Name() string
}

// Decision is the outcome of a successful TryAcquire
type Decision struct {
	Admitted bool

	// Tokens left in the bucket after the decision
	Tokens float64
}

var (
	// ErrMissingCredential - no credential was presented
	ErrMissingCredential = errors.New("credential required")

	// ErrUnrecognizedCredential - the credential maps to no tier
	ErrUnrecognizedCredential = errors.New("invalid credential")

	// ErrQuotaExceeded - the bucket has no whole token left
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrEngineUnavailable - the shared store could not run the operation
	ErrEngineUnavailable = errors.New("quota engine unavailable")

	// ErrInvalidTier - capacity or refill rate out of range
	ErrInvalidTier = errors.New("invalid tier parameters")
)

// EngineError wraps a store failure. It matches ErrEngineUnavailable.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrEngineUnavailable, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) Is(target error) bool {
	return target == ErrEngineUnavailable
}

func unavailable(op string, err error) error {
	return &EngineError{Op: op, Err: err}
}

func validateParams(bucketID string, capacity, refillRate float64) error {
	if bucketID == "" {
		return fmt.Errorf("%w: bucket id is required", ErrInvalidTier)
	}
	if !(capacity > 0) {
		return fmt.Errorf("%w: capacity must be > 0, got %v", ErrInvalidTier, capacity)
	}
	if !(refillRate > 0) {
		return fmt.Errorf("%w: refill rate must be > 0, got %v", ErrInvalidTier, refillRate)
	}
	return nil
}

// BucketID derives the store key for an identity. The tier is part of the
// key so tiers never share a bucket, and the identity is hashed so raw
// credentials never appear in the store.
func BucketID(prefix, tierName, identity string) string {
	sum := sha256.Sum256([]byte(identity))
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return fmt.Sprintf("%s:%s:%s", prefix, tierName, hex.EncodeToString(sum[:]))
}

// DefaultKeyPrefix namespaces bucket keys in the shared store
const DefaultKeyPrefix = "rate_limit"

// FailurePolicy decides what happens to a request when the engine is
// unavailable
type FailurePolicy string

const (
	// FailOpen admits the request and logs the fault. A store outage
	// never blocks traffic, but quota is not enforced during it.
	FailOpen FailurePolicy = "fail_open"

	// FailClosed rejects the request with a 503. Downstream capacity stays
	// protected at the cost of availability.
	FailClosed FailurePolicy = "fail_closed"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(FailOpen), "fail-open", "open":
		return FailOpen, nil
	case string(FailClosed), "fail-closed", "closed":
		return FailClosed, nil
	case "":
		return "", errors.New("failure policy must be set to fail_open or fail_closed")
	default:
		return "", fmt.Errorf("unknown failure policy: %s", s)
	}
}
