package middleware

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/metrics"
	"github.com/aman-churiwal/quota-gateway/internal/ratelimit"
	"github.com/aman-churiwal/quota-gateway/internal/tier"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ContextTierKey holds the resolved tier name on the gin context
const ContextTierKey = "rate_limit_tier"

const DefaultCredentialHeader = "X-API-Key"

type GatekeeperConfig struct {
	Header        string
	KeyPrefix     string
	FailurePolicy ratelimit.FailurePolicy

	// Now defaults to time.Now
	Now func() time.Time
}

// Gatekeeper admits or rejects requests based on the caller's tier quota
type Gatekeeper struct {
	resolver  tier.Resolver
	table     *tier.Table
	engine    ratelimit.Engine
	metrics   *metrics.Collector
	header    string
	keyPrefix string
	policy    ratelimit.FailurePolicy
	now       func() time.Time
}

func NewGatekeeper(resolver tier.Resolver, table *tier.Table, engine ratelimit.Engine, collector *metrics.Collector, cfg GatekeeperConfig) (*Gatekeeper, error) {
	if resolver == nil || table == nil || engine == nil {
		return nil, errors.New("gatekeeper requires a resolver, a tier table and an engine")
	}

	switch cfg.FailurePolicy {
	case ratelimit.FailOpen, ratelimit.FailClosed:
	default:
		return nil, fmt.Errorf("gatekeeper requires an explicit failure policy, got %q", cfg.FailurePolicy)
	}

	if cfg.Header == "" {
		cfg.Header = DefaultCredentialHeader
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = ratelimit.DefaultKeyPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Gatekeeper{
		resolver:  resolver,
		table:     table,
		engine:    engine,
		metrics:   collector,
		header:    cfg.Header,
		keyPrefix: cfg.KeyPrefix,
		policy:    cfg.FailurePolicy,
		now:       cfg.Now,
	}, nil
}

func (g *Gatekeeper) Policy() ratelimit.FailurePolicy {
	return g.policy
}

func (g *Gatekeeper) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := g.resolver.Resolve(c.GetHeader(g.header))

		switch res.Outcome {
		case tier.OutcomeMissing:
			g.metrics.ObserveDecision("", metrics.OutcomeMissing)
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": ratelimit.ErrMissingCredential.Error(),
				"code":  "credential_required",
			})
			c.Abort()
			return
		case tier.OutcomeUnrecognized:
			g.metrics.ObserveDecision("", metrics.OutcomeUnrecognized)
			c.JSON(http.StatusForbidden, gin.H{
				"error": ratelimit.ErrUnrecognizedCredential.Error(),
				"code":  "invalid_credential",
			})
			c.Abort()
			return
		}

		t, ok := g.table.Lookup(res.Tier)
		if !ok {
			g.metrics.ObserveDecision("", metrics.OutcomeUnrecognized)
			c.JSON(http.StatusForbidden, gin.H{
				"error": ratelimit.ErrUnrecognizedCredential.Error(),
				"code":  "invalid_credential",
			})
			c.Abort()
			return
		}

		bucketID := ratelimit.BucketID(g.keyPrefix, t.Name, res.Identity)
		decision, err := g.engine.TryAcquire(c.Request.Context(), bucketID, t.Capacity, t.RefillRate, g.now().Unix())
		if err != nil {
			if errors.Is(err, ratelimit.ErrEngineUnavailable) {
				g.handleUnavailable(c, t, err)
				return
			}

			log.WithError(err).WithField("tier", t.Name).Error("quota check failed")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Internal Server Error",
			})
			c.Abort()
			return
		}

		// Set rate limit headers
		c.Header("X-RateLimit-Limit", strconv.FormatFloat(t.Capacity, 'f', -1, 64))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(int64(math.Floor(decision.Tokens)), 10))
		c.Header("X-RateLimit-Tier", t.Name)

		if !decision.Admitted {
			retryAfter := t.RetryAfterSeconds(decision.Tokens)
			g.metrics.ObserveDecision(t.Name, metrics.OutcomeDenied)

			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       ratelimit.ErrQuotaExceeded.Error(),
				"code":        "quota_exceeded",
				"tier":        t.Name,
				"retry_after": retryAfter,
			})
			c.Abort()
			return
		}

		g.metrics.ObserveDecision(t.Name, metrics.OutcomeAdmitted)
		c.Set(ContextTierKey, t.Name)
		c.Next()
	}
}

func (g *Gatekeeper) handleUnavailable(c *gin.Context, t tier.Tier, err error) {
	entry := log.WithError(err).WithFields(log.Fields{
		"tier":       t.Name,
		"policy":     string(g.policy),
		"request_id": c.GetString(ContextRequestIDKey),
	})

	if g.policy == ratelimit.FailClosed {
		entry.Error("quota engine unavailable, rejecting request")
		g.metrics.ObserveDecision(t.Name, metrics.OutcomeFailClosed)

		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "quota service unavailable",
			"code":  "quota_unavailable",
		})
		c.Abort()
		return
	}

	entry.Warn("quota engine unavailable, admitting request")
	g.metrics.ObserveDecision(t.Name, metrics.OutcomeFailOpen)

	c.Header("X-RateLimit-Tier", t.Name)
	c.Set(ContextTierKey, t.Name)
	c.Next()
}

// Returns the tier resolved for the request, if any
func TierFromContext(c *gin.Context) string {
	return c.GetString(ContextTierKey)
}
