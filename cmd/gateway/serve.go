package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/aman-churiwal/quota-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/quota-gateway/internal/config"
	"github.com/aman-churiwal/quota-gateway/internal/healthcheck"
	"github.com/aman-churiwal/quota-gateway/internal/metrics"
	"github.com/aman-churiwal/quota-gateway/internal/ratelimit"
	"github.com/aman-churiwal/quota-gateway/internal/repository"
	"github.com/aman-churiwal/quota-gateway/internal/server"
	"github.com/aman-churiwal/quota-gateway/internal/storage"
	"github.com/aman-churiwal/quota-gateway/internal/tier"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// ServeCmd starts the HTTP gateway
type ServeCmd struct {
	Port string `help:"Port to listen on; overrides server.port."`
}

func (s *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.load()
	if err != nil {
		return err
	}
	if s.Port != "" {
		cfg.Server.Port = s.Port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker := healthcheck.NewChecker(healthcheck.Config{})
	collector := metrics.New(prometheus.DefaultRegisterer)

	var db *storage.Postgres
	if cfg.RateLimit.TierSource == config.TierSourceDatabase {
		db, err = openDatabase(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		checker.Register("database", db.Ping)
	}

	table, resolver, err := buildPolicy(ctx, cfg, db)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var engine ratelimit.Engine
	switch cfg.RateLimit.Backend {
	case config.BackendMemory:
		memory := ratelimit.NewMemoryEngine()
		g.Go(func() error {
			return memory.RunSweeper(gctx, cfg.SweepInterval(), time.Now)
		})
		engine = memory
		log.Warn("using in-process quota buckets; quota is not shared between replicas")

	default:
		redis, err := storage.NewRedis(storage.RedisOptions{
			Addr:         cfg.Redis.GetRedisAddr(),
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.StoreTimeout(),
			ReadTimeout:  cfg.StoreTimeout(),
			WriteTimeout: cfg.StoreTimeout(),
			PoolSize:     cfg.Redis.PoolSize,
			MaxRetries:   -1,
		})
		if err != nil {
			return err
		}
		defer redis.Close()
		log.WithField("addr", cfg.Redis.GetRedisAddr()).Info("connected to redis")

		redisEngine := ratelimit.NewRedisEngine(redis, cfg.StoreTimeout(), collector)
		if err := redisEngine.Load(ctx); err != nil {
			return fmt.Errorf("failed to load quota script: %w", err)
		}
		checker.Register("redis", redis.Ping)
		engine = redisEngine
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.RateLimit.Breaker.Enabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:        "quota-store",
			MaxFailures: cfg.RateLimit.Breaker.MaxFailures,
			Timeout:     cfg.BreakerTimeout(),
		})
		engine = ratelimit.NewGuardedEngine(engine, breaker, collector)
	}

	srv, err := server.New(server.Dependencies{
		Config:   cfg,
		Table:    table,
		Resolver: resolver,
		Engine:   engine,
		Checker:  checker,
		Metrics:  collector,
		Gatherer: prometheus.DefaultGatherer,
		Breaker:  breaker,
	})
	if err != nil {
		return err
	}

	g.Go(func() error {
		return checker.Run(gctx)
	})

	g.Go(func() error {
		return srv.Run(":" + cfg.Server.Port)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("server exited")
	return nil
}

func openDatabase(cfg *config.Config) (*storage.Postgres, error) {
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}

	db, err := storage.NewPostgres(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate tier tables: %w", err)
	}

	return db, nil
}

// Builds the tier table and resolver from the configured source. The
// result is immutable for the life of the process.
func buildPolicy(ctx context.Context, cfg *config.Config, db *storage.Postgres) (*tier.Table, tier.Resolver, error) {
	tiers, rules := cfg.Tiers(), cfg.Rules()

	if cfg.RateLimit.TierSource == config.TierSourceDatabase {
		var err error
		tiers, rules, err = repository.NewTierRepository(db).LoadPolicy(ctx)
		if err != nil {
			return nil, nil, err
		}
		if len(tiers) == 0 {
			return nil, nil, errors.New("no tiers in database; run gateway seed-tiers first")
		}
	}

	table, err := tier.NewTable(tiers)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid tier table: %w", err)
	}

	var resolver tier.Resolver
	switch cfg.RateLimit.Resolver {
	case config.ResolverSignedToken:
		resolver, err = tier.NewTokenResolver(table, cfg.RateLimit.TokenSecret, time.Now)
	default:
		resolver, err = tier.NewPrefixResolver(table, rules)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("invalid credential rules: %w", err)
	}

	log.WithFields(log.Fields{
		"source":   cfg.RateLimit.TierSource,
		"resolver": resolver.Name(),
		"tiers":    table.Len(),
	}).Info("loaded tier table")

	return table, resolver, nil
}
