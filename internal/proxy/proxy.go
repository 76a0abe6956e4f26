package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Proxy forwards admitted requests to a single upstream
type Proxy struct {
	target         *url.URL
	reverseProxy   *httputil.ReverseProxy
	circuitBreaker *circuitbreaker.CircuitBreaker
}

type Config struct {
	Target         string
	CircuitBreaker circuitbreaker.Config
}

func New(targetURL string) (*Proxy, error) {
	return NewWithConfig(Config{
		Target: targetURL,
		CircuitBreaker: circuitbreaker.Config{
			Name:            "upstream",
			MaxFailures:     5,
			Timeout:         30 * time.Second,
			HalfOpenSuccess: 1,
		},
	})
}

// Creates a new Proxy with custom circuit breaker config
func NewWithConfig(cfg Config) (*Proxy, error) {
	if cfg.Target == "" {
		return nil, errors.New("a target is required")
	}

	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", cfg.Target, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid target %q: scheme and host are required", cfg.Target)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithError(err).WithField("target", target.String()).Warn("upstream request failed")
		w.WriteHeader(http.StatusBadGateway)
	}

	log.WithField("target", target.String()).Info("proxy initialized")

	return &Proxy{
		target:         target,
		reverseProxy:   rp,
		circuitBreaker: circuitbreaker.New(cfg.CircuitBreaker),
	}, nil
}

// Forwards the request to the backend
func (p *Proxy) Handle(c *gin.Context) {
	err := p.circuitBreaker.Call(func() error {
		// Create a response recorder to capture status
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}

		req := c.Request
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Host = p.target.Host

		// Add backend target header for debugging
		c.Header("X-Backend-Server", p.target.String())

		p.reverseProxy.ServeHTTP(recorder, req)

		// Check if backend returned 5xx error
		if recorder.statusCode >= 500 {
			return fmt.Errorf("backend error: status %d", recorder.statusCode)
		}

		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		log.WithField("target", p.target.String()).Warn("circuit breaker open for upstream")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
		c.Abort()
	}

	// Other errors are already written by the proxy
}

// Returns the upstream URL
func (p *Proxy) Target() string {
	return p.target.String()
}

// Returns circuit breaker metrics
func (p *Proxy) CircuitBreakerMetrics() circuitbreaker.Metrics {
	return p.circuitBreaker.Metrics()
}

// Manually resets the circuit breaker
func (p *Proxy) ResetCircuitBreaker() {
	p.circuitBreaker.Reset()
}

// Captures the response status code
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
