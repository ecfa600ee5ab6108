// Command bastion serves the access control and activity log API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/bastion/pkg/async"
	"github.com/platinummonkey/bastion/pkg/audit"
	"github.com/platinummonkey/bastion/pkg/config"
	"github.com/platinummonkey/bastion/pkg/directory"
	"github.com/platinummonkey/bastion/pkg/middleware"
	"github.com/platinummonkey/bastion/pkg/notify"
	"github.com/platinummonkey/bastion/pkg/observability"
	"github.com/platinummonkey/bastion/pkg/orgs"
	"github.com/platinummonkey/bastion/pkg/policy"
	"github.com/platinummonkey/bastion/pkg/rbac"
	"github.com/platinummonkey/bastion/pkg/roles"
	"github.com/platinummonkey/bastion/pkg/schema"
	"github.com/platinummonkey/bastion/pkg/storage"
	"github.com/platinummonkey/bastion/pkg/users"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bastion: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.ShutdownOTel(shutdownCtx, providers, logger)
	}()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := schema.RunMigrations(ctx, db, schema.Postgres, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if cfg.Database.SeedFile != "" {
		if err := applySeed(ctx, db, cfg.Database.SeedFile); err != nil {
			return err
		}
		logger.WithField("file", cfg.Database.SeedFile).Info("seed applied")
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewDBStatsCollector(db, "bastion"))
		metrics = observability.NewMetrics(registry)
	}

	var redisClient *redis.Client
	if cfg.Cache.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Cache.RedisPassword != "" {
			opts.Password = cfg.Cache.RedisPassword
		}
		opts.DB = cfg.Cache.RedisDB
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable; shared cache and limits will degrade")
		}
	}

	graph := rbac.NewStore(db)
	var cache rbac.Cache
	if cfg.Cache.Enabled {
		mem := rbac.NewMemoryCache(cfg.Cache.Size, cfg.Cache.TTL, metrics)
		cache = mem
		if redisClient != nil {
			shared := rbac.NewRedisCache(redisClient, cfg.Cache.TTL, logger, metrics)
			cache = rbac.NewTieredCache(mem, shared)
			stop, err := shared.WatchInvalidations(ctx, mem)
			if err != nil {
				logger.WithError(err).Warn("permission cache invalidations from other replicas will not be applied")
			} else {
				defer stop()
			}
		}
	}
	checker := rbac.NewPermissionChecker(graph, cache)
	evaluator := policy.NewEvaluator(checker, logger, metrics)
	writer := audit.NewWriter(db, logger, metrics).WithStrict(cfg.Audit.Strict)

	files, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("file storage: %w", err)
	}

	dir, closeDir, err := openDirectory(ctx, db, cfg.Directory)
	if err != nil {
		return err
	}
	defer closeDir()

	pool := async.NewWorkerPool(context.Background(), async.PoolConfig{
		Name:      "notifications",
		Workers:   cfg.Notifications.Workers,
		QueueSize: cfg.Notifications.QueueSize,
	}, logger)
	notes := notify.NewStore(db)
	dispatcher := notify.NewPoolDispatcher(pool, notes, logger, metrics)

	a := &app{
		db:          db,
		logger:      logger,
		metrics:     metrics,
		metricsPath: cfg.Observability.MetricsPath,
		evaluator:   evaluator,
		auditLog: audit.NewDBStore(db, schema.Postgres, audit.PageConfig{
			DefaultPerPage: cfg.Audit.DefaultPageSize,
			MaxPerPage:     cfg.Audit.MaxPageSize,
			MaxExport:      audit.DefaultPageConfig().MaxExport,
		}, metrics),
		notes:     notes,
		directory: dir,
		users: users.NewService(users.Deps{
			DB:        db,
			Audit:     writer,
			Evaluator: evaluator,
			Checker:   checker,
			Directory: dir,
			Notifier:  dispatcher,
			Logger:    logger,
			Metrics:   metrics,
		}),
		roles: roles.NewService(roles.Deps{
			DB:         db,
			Audit:      writer,
			Authorizer: evaluator,
			Checker:    checker,
		}),
		orgs: orgs.NewService(orgs.Deps{
			DB:         db,
			Audit:      writer,
			Authorizer: evaluator,
			Files:      files,
			Notifier:   dispatcher,
			Holders:    checker,
			Logger:     logger,
		}),
		auth: middleware.AuthOptions{
			Header:     cfg.Auth.ActorHeader,
			DevActorID: cfg.Auth.DevActorID,
			Logger:     logger,
		},
	}
	if cfg.RateLimit.Enabled {
		limits := middleware.RateLimitConfig{
			RequestsPerWindow: cfg.RateLimit.PerMinute,
			Window:            time.Minute,
			Burst:             cfg.RateLimit.Burst,
		}
		if redisClient != nil {
			a.limiter = middleware.NewRedisLimiter(redisClient, limits, "")
		} else {
			a.limiter = middleware.NewMemoryLimiter(limits)
		}
	}
	if cfg.Auth.DevActorID != 0 {
		logger.WithField("actor_id", cfg.Auth.DevActorID).Warn("dev actor enabled; unauthenticated requests act as this principal")
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      otelhttp.NewHandler(newRouter(a), "bastion"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("bastion listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	if err := pool.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.WithError(err).Warn("notification queue not drained")
	}
	return nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func applySeed(ctx context.Context, db *sql.DB, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	seed, err := rbac.ParseSeed(f)
	if err != nil {
		return err
	}
	return rbac.ApplySeed(ctx, db, seed)
}

// openDirectory reads employees from the primary database unless a separate
// URL is configured.
func openDirectory(ctx context.Context, primary *sql.DB, cfg config.DirectoryConfig) (directory.Directory, func(), error) {
	db, closeFn := primary, func() {}
	if cfg.URL != "" {
		other, err := openDatabase(ctx, config.DatabaseConfig{URL: cfg.URL, MaxOpenConns: 4, MaxIdleConns: 2, ConnMaxLifetime: 30 * time.Minute})
		if err != nil {
			return nil, nil, fmt.Errorf("employee directory: %w", err)
		}
		db, closeFn = other, func() { other.Close() }
	}
	dir, err := directory.NewSQLDirectory(db, cfg.Table)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return dir, closeFn, nil
}
