package handler

import (
	"net/http"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/quota-gateway/internal/healthcheck"
	"github.com/aman-churiwal/quota-gateway/internal/proxy"
	"github.com/aman-churiwal/quota-gateway/internal/ratelimit"
	"github.com/aman-churiwal/quota-gateway/internal/tier"
	"github.com/gin-gonic/gin"
)

const (
	serviceName    = "quota-gateway"
	serviceVersion = "1.0.0"
)

// Handles system-related endpoints
type SystemHandler struct {
	checker   *healthcheck.Checker
	table     *tier.Table
	resolver  tier.Resolver
	engine    ratelimit.Engine
	policy    ratelimit.FailurePolicy
	breaker   *circuitbreaker.CircuitBreaker
	upstream  *proxy.Proxy
	startTime time.Time
}

type SystemHandlerConfig struct {
	Checker  *healthcheck.Checker
	Table    *tier.Table
	Resolver tier.Resolver
	Engine   ratelimit.Engine
	Policy   ratelimit.FailurePolicy

	// Optional
	Breaker  *circuitbreaker.CircuitBreaker
	Upstream *proxy.Proxy
}

func NewSystemHandler(cfg SystemHandlerConfig) *SystemHandler {
	return &SystemHandler{
		checker:   cfg.Checker,
		table:     cfg.Table,
		resolver:  cfg.Resolver,
		engine:    cfg.Engine,
		policy:    cfg.Policy,
		breaker:   cfg.Breaker,
		upstream:  cfg.Upstream,
		startTime: time.Now(),
	}
}

// Reports the latest dependency checks. Degraded answers 503.
func (h *SystemHandler) Health(c *gin.Context) {
	overall := h.checker.OverallHealth()

	statusCode := http.StatusOK
	if overall != healthcheck.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overall.String(),
		"service":   serviceName,
		"version":   serviceVersion,
		"timestamp": time.Now().Unix(),
		"checks":    h.checker.GetAllStatus(),
	})
}

// Lists the tier table and how quota is enforced
func (h *SystemHandler) Tiers(c *gin.Context) {
	tiers := make([]gin.H, 0, h.table.Len())
	for _, t := range h.table.Tiers() {
		tiers = append(tiers, gin.H{
			"name":               t.Name,
			"capacity":           t.Capacity,
			"refill_rate":        t.RefillRate,
			"bucket_ttl_seconds": t.TTLSeconds(),
		})
	}

	resp := gin.H{
		"tiers":          tiers,
		"resolver":       h.resolver.Name(),
		"engine":         h.engine.Name(),
		"failure_policy": string(h.policy),
		"uptime":         time.Since(h.startTime).Seconds(),
	}

	if pr, ok := h.resolver.(*tier.PrefixResolver); ok {
		rules := make([]gin.H, 0)
		for _, rule := range pr.Rules() {
			rules = append(rules, gin.H{"prefix": rule.Prefix, "tier": rule.Tier})
		}
		resp["prefixes"] = rules
	}

	if h.breaker != nil {
		resp["breaker"] = h.breaker.Metrics()
	}

	if h.upstream != nil {
		resp["upstream"] = gin.H{
			"target":  h.upstream.Target(),
			"breaker": h.upstream.CircuitBreakerMetrics(),
		}
	}

	c.JSON(http.StatusOK, resp)
}

// Manually resets a circuit breaker. ?target=upstream resets the proxy
// breaker, anything else the quota store breaker.
func (h *SystemHandler) ResetBreaker(c *gin.Context) {
	target := c.DefaultQuery("target", "store")

	switch target {
	case "upstream":
		if h.upstream == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Upstream not configured",
			})
			return
		}
		h.upstream.ResetCircuitBreaker()

	case "store":
		if h.breaker == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Circuit breaker not enabled",
			})
			return
		}
		h.breaker.Reset()

	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown breaker target: " + target,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"target":  target,
	})
}

// Answers protected requests when no upstream is configured
func Data(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Success",
	})
}
