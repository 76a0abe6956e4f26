package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/quota-gateway/internal/config"
	"github.com/aman-churiwal/quota-gateway/internal/handler"
	"github.com/aman-churiwal/quota-gateway/internal/healthcheck"
	"github.com/aman-churiwal/quota-gateway/internal/metrics"
	"github.com/aman-churiwal/quota-gateway/internal/middleware"
	"github.com/aman-churiwal/quota-gateway/internal/proxy"
	"github.com/aman-churiwal/quota-gateway/internal/ratelimit"
	"github.com/aman-churiwal/quota-gateway/internal/tier"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Dependencies are built by the caller and shared with the server
type Dependencies struct {
	Config   *config.Config
	Table    *tier.Table
	Resolver tier.Resolver
	Engine   ratelimit.Engine
	Checker  *healthcheck.Checker
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer

	// Optional
	Breaker *circuitbreaker.CircuitBreaker
	Now     func() time.Time
}

type Server struct {
	router        *gin.Engine
	config        *config.Config
	gatekeeper    *middleware.Gatekeeper
	upstream      *proxy.Proxy
	checker       *healthcheck.Checker
	systemHandler *handler.SystemHandler
	gatherer      prometheus.Gatherer

	mu         sync.Mutex
	httpServer *http.Server
}

func New(deps Dependencies) (*Server, error) {
	cfg := deps.Config
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	gk, err := middleware.NewGatekeeper(deps.Resolver, deps.Table, deps.Engine, deps.Metrics, middleware.GatekeeperConfig{
		Header:        cfg.RateLimit.Header,
		KeyPrefix:     cfg.RateLimit.KeyPrefix,
		FailurePolicy: cfg.FailurePolicy(),
		Now:           deps.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gatekeeper: %w", err)
	}

	var upstream *proxy.Proxy
	if cfg.Upstream.Target != "" {
		upstream, err = proxy.New(cfg.Upstream.Target)
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream proxy: %w", err)
		}
		deps.Checker.Register("upstream", healthcheck.HTTPProbe(nil, cfg.Upstream.Target))
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:     gin.New(),
		config:     cfg,
		gatekeeper: gk,
		upstream:   upstream,
		checker:    deps.Checker,
		gatherer:   gatherer,
		systemHandler: handler.NewSystemHandler(handler.SystemHandlerConfig{
			Checker:  deps.Checker,
			Table:    deps.Table,
			Resolver: deps.Resolver,
			Engine:   deps.Engine,
			Policy:   cfg.FailurePolicy(),
			Breaker:  deps.Breaker,
			Upstream: upstream,
		}),
	}

	// Setup middleware
	s.setupMiddleware()

	// Setup routes
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.systemHandler.Health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	if token := s.config.Server.AdminToken; token != "" {
		admin := s.router.Group("/admin")
		admin.Use(middleware.RequireAdminToken(token))
		{
			admin.GET("/tiers", s.systemHandler.Tiers)
			admin.POST("/breaker/reset", s.systemHandler.ResetBreaker)
		}
	} else {
		log.Warn("no admin token configured; /admin routes are disabled")
	}

	api := s.router.Group("/api")
	api.Use(s.gatekeeper.Handler())

	if s.upstream != nil {
		api.Any("/*proxyPath", s.upstream.Handle)
		log.WithField("target", s.upstream.Target()).Info("registered upstream proxy route: /api/*")
		return
	}

	api.GET("/data", handler.Data)
}

func (s *Server) Run(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"addr":           addr,
		"environment":    s.config.Server.Environment,
		"failure_policy": string(s.gatekeeper.Policy()),
	}).Info("starting quota gateway")

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down server")

	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer != nil {
		return httpServer.Shutdown(ctx)
	}

	return nil
}

// Returns the dependency checker so callers can run it in the background
func (s *Server) Checker() *healthcheck.Checker {
	return s.checker
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
