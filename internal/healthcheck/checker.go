package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Probe reports whether one dependency is reachable
type Probe func(ctx context.Context) error

// Checks the gateway's dependencies (quota store, tier database, upstream)
// on an interval and keeps the latest status of each
type Checker struct {
	mu          sync.RWMutex
	probes      map[string]Probe
	names       []string
	status      map[string]*Status
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	now         func() time.Time
}

// Holds health checker configuration
type Config struct {
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Per probe timeout (default: 2s)
	MaxFailures int           // Failures before marking unhealthy (default: 1)

	// Now defaults to time.Now
	Now func() time.Time
}

func NewChecker(cfg Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Checker{
		probes:      make(map[string]Probe),
		status:      make(map[string]*Status),
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		now:         cfg.Now,
	}
}

// Registers a named probe. Targets start healthy until a check says otherwise.
func (c *Checker) Register(name string, probe Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.probes[name]; !exists {
		c.names = append(c.names, name)
		sort.Strings(c.names)
	}
	c.probes[name] = probe
	c.status[name] = &Status{
		Target:    name,
		IsHealthy: true,
		LastCheck: c.now(),
	}
}

// Runs checks until ctx is cancelled
func (c *Checker) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"targets":  len(c.names),
		"interval": c.interval.String(),
	}).Info("starting health checks")

	// Run initial check immediately
	c.CheckAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll(ctx)
		case <-ctx.Done():
			log.Info("health checker stopped")
			return nil
		}
	}
}

// Performs health check on all targets
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.RLock()
	probes := make(map[string]Probe, len(c.probes))
	for name, probe := range c.probes {
		probes[name] = probe
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for name, probe := range probes {
		wg.Add(1)
		go func(name string, probe Probe) {
			defer wg.Done()
			c.check(ctx, name, probe)
		}(name, probe)
	}
	wg.Wait()
}

func (c *Checker) check(ctx context.Context, name string, probe Probe) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := probe(ctx); err != nil {
		c.recordFailure(name, err)
		return
	}
	c.recordSuccess(name)
}

// Records a successful health check
func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status[name]
	status.LastCheck = c.now()
	status.LastSuccess = status.LastCheck
	status.FailureCount = 0
	status.LastError = ""

	if !status.IsHealthy {
		log.WithField("target", name).Info("target is now healthy")
		status.IsHealthy = true
	}
}

// Records a failed health check
func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status[name]
	status.LastCheck = c.now()
	status.LastFailure = status.LastCheck
	status.FailureCount++
	status.LastError = err.Error()

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		log.WithError(err).WithFields(log.Fields{
			"target":   name,
			"failures": status.FailureCount,
		}).Warn("target is now unhealthy")
		status.IsHealthy = false
	}
}

// Returns health status of all targets, keyed by name
func (c *Checker) GetAllStatus() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statusMap := make(map[string]Status, len(c.status))
	for name, status := range c.status {
		statusMap[name] = *status
	}

	return statusMap
}

// Returns the overall health status
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	healthyCount := 0
	for _, name := range c.names {
		if c.status[name].IsHealthy {
			healthyCount++
		}
	}

	if len(c.names) > 0 && healthyCount == 0 {
		return Unhealthy
	}
	if healthyCount < len(c.names) {
		return Degraded
	}

	return Healthy
}

// Probes an HTTP endpoint, treating 2xx and 3xx as healthy
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 400 {
			return nil
		}
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
}
