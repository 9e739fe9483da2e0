package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/spoke-iam/pkg/api"
	"github.com/platinummonkey/spoke-iam/pkg/async"
	"github.com/platinummonkey/spoke-iam/pkg/audit"
	"github.com/platinummonkey/spoke-iam/pkg/auth"
	"github.com/platinummonkey/spoke-iam/pkg/authn"
	"github.com/platinummonkey/spoke-iam/pkg/config"
	"github.com/platinummonkey/spoke-iam/pkg/middleware"
	"github.com/platinummonkey/spoke-iam/pkg/observability"
	"github.com/platinummonkey/spoke-iam/pkg/permcache"
	"github.com/platinummonkey/spoke-iam/pkg/rbac"
	"github.com/platinummonkey/spoke-iam/pkg/session"
	"github.com/platinummonkey/spoke-iam/pkg/storage/postgres"
)

var version = "dev"

const warmUpWorkers = 8

const usage = `Usage: spoke-iam [flags] [command]

Commands:
  serve           run the HTTP API (default)
  migrate         apply database migrations and exit
  purge-sessions  delete expired sessions past retention and exit

Flags:
`

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (overrides SPOKE_IAM_CONFIG_FILE)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *configFile != "" {
		os.Setenv("SPOKE_IAM_CONFIG_FILE", *configFile)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "spoke-iam: %v\n", err)
		if errors.Is(err, auth.ErrConfigurationMissing) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := flag.Arg(0)
	switch command {
	case "", "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "purge-sessions":
		err = purgeSessions(ctx, cfg, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).WithField("command", command).Error("spoke-iam exited with error")
		stop()
		os.Exit(1)
	}
}

func migrate(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	db, err := postgres.Open(ctx, cfg.Connection())
	if err != nil {
		return err
	}
	defer db.Close()
	return postgres.RunMigrations(ctx, db, logger)
}

func purgeSessions(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	db, err := postgres.Open(ctx, cfg.Connection())
	if err != nil {
		return err
	}
	defer db.Close()

	janitor := session.NewJanitor(session.NewLedger(db, session.WithTTL(cfg.SessionTTL())), cfg.Janitor(), logger, nil)
	_, err = janitor.RunOnce(ctx)
	return err
}

// cleanups collects the resources serve opens. They are released in
// reverse order if startup fails, otherwise handed to the shutdown manager.
type cleanups struct {
	names []string
	funcs []observability.ShutdownFunc
}

func (c *cleanups) add(name string, fn observability.ShutdownFunc) {
	c.names = append(c.names, name)
	c.funcs = append(c.funcs, fn)
}

func (c *cleanups) release(logger *logrus.Logger) {
	for i := len(c.funcs) - 1; i >= 0; i-- {
		if err := c.funcs[i](context.Background()); err != nil {
			logger.WithError(err).WithField("resource", c.names[i]).Warn("Cleanup after failed startup")
		}
	}
	c.names, c.funcs = nil, nil
}

func (c *cleanups) handOff(shutdown *observability.ShutdownManager) {
	for i, fn := range c.funcs {
		shutdown.Register(c.names[i], fn)
	}
	c.names, c.funcs = nil, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	var owned cleanups
	defer owned.release(logger)

	tp, err := observability.InitTracing(ctx, cfg.Tracing(), logger)
	if err != nil {
		return err
	}
	owned.add("tracing", func(ctx context.Context) error { return observability.ShutdownTracing(ctx, tp) })

	db, err := postgres.Open(ctx, cfg.Connection())
	if err != nil {
		return err
	}
	owned.add("database", func(context.Context) error { return db.Close() })
	logger.Info("Connected to PostgreSQL")

	if cfg.Database.RunMigrations {
		if err := postgres.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	}

	var redisClient *postgres.RedisClient
	if cfg.UsesRedis() {
		redisClient, err = postgres.NewRedisClient(cfg.RedisOptions())
		if err != nil {
			return err
		}
		owned.add("redis", func(context.Context) error { return redisClient.Close() })
		logger.Info("Connected to Redis")
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	signer, err := auth.NewSigner(cfg.Signer())
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"access_secret":  auth.SecretPreview(cfg.Auth.AccessSecret),
		"refresh_secret": auth.SecretPreview(cfg.Auth.RefreshSecret),
		"access_ttl":     cfg.Auth.AccessTTL.String(),
		"refresh_ttl":    cfg.Auth.RefreshTTL.String(),
	}).Info("Token signer configured")

	creds := auth.NewSQLCredentialStore(db, cfg.Auth.LockoutThreshold)
	ledger := session.NewLedger(db, session.WithTTL(cfg.SessionTTL()))
	store := rbac.NewStore(db)
	resolver := rbac.NewResolver(store)

	var backend permcache.Backend = permcache.NewLRUBackend(cfg.Cache.Size, cfg.Cache.TTL)
	if cfg.Cache.Backend == "redis" {
		backend = permcache.NewRedisBackend(redisClient, permcache.DefaultKeyPrefix)
	}
	cache := permcache.New(backend, resolver, store,
		permcache.WithTTL(cfg.Cache.TTL),
		permcache.WithResolveTimeout(cfg.Cache.ResolveTimeout),
		permcache.WithMetrics(metrics),
		permcache.WithLogger(logger),
	)

	auditSink, err := audit.NewDBSink(db)
	if err != nil {
		return err
	}
	sinks := []audit.Sink{auditSink}
	if cfg.Audit.LogRecords {
		sinks = append(sinks, audit.NewLogSink(logger))
	}
	if cfg.Audit.FileDir != "" {
		fileSink, err := audit.NewFileSink(cfg.AuditFile(), logger)
		if err != nil {
			return err
		}
		owned.add("audit file", fileSink.Close)
		sinks = append(sinks, fileSink)
		logger.WithField("path", fileSink.Path()).Info("Writing audit records to file")
	}
	var sink audit.Sink = auditSink
	if len(sinks) > 1 {
		sink = audit.NewMultiSink(sinks...)
	}
	auditWriter := audit.NewWriter(sink, cfg.AuditWriter(), logger, metrics)
	owned.add("audit writer", auditWriter.Close)

	manager := rbac.NewManager(store, cache, auditWriter, logger)
	if err := bootstrap(ctx, cfg, creds, manager, logger); err != nil {
		return err
	}

	service, err := authn.NewService(authn.Deps{
		Credentials: creds,
		Signer:      signer,
		Sessions:    ledger,
		Roles:       resolver,
		Permissions: cache,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return err
	}

	var limiter middleware.Limiter
	if cfg.Auth.RateLimitBackend == "redis" {
		limiter = middleware.NewDistributedRateLimiter(redisClient, cfg.LoginRateLimit(), "")
	} else {
		local := middleware.NewRateLimiter(cfg.LoginRateLimit())
		local.StartCleanup(ctx)
		limiter = local
	}

	var cachePinger observability.Pinger
	if redisClient != nil {
		cachePinger = redisClient
	}

	server, err := api.NewServer(api.Config{
		TrustProxy:      cfg.Server.TrustProxy,
		SecureCookies:   cfg.Server.SecureCookies,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		LoginRetryAfter: cfg.Auth.LoginRateWindow,
	}, api.Deps{
		Auth:         service,
		Manager:      manager,
		Permissions:  cache,
		Audit:        auditSink,
		AuditLog:     auditWriter,
		Unlocker:     creds,
		LoginLimiter: limiter,
		Health:       observability.NewHealthChecker(db, cachePinger, version),
		Registry:     registry,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           server,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	janitorConfig := cfg.Janitor()
	janitor := session.NewJanitor(ledger, janitorConfig, logger, metrics)
	if err := janitor.Start(); err != nil {
		return err
	}
	owned.add("session janitor", func(ctx context.Context) error {
		janitor.Stop(ctx)
		return nil
	})
	async.SafeGo(ctx, logger, janitorConfig.Timeout, "initial session purge", func(ctx context.Context) error {
		_, err := janitor.RunOnce(ctx)
		return err
	})
	if cfg.Cache.WarmUpPrincipals > 0 {
		async.SafeGo(ctx, logger, time.Minute, "permission cache warm-up", func(ctx context.Context) error {
			return warmPermissionCache(ctx, ledger, cache, cfg.Cache.WarmUpPrincipals, logger)
		})
	}

	if metrics != nil {
		async.Go(logger, "db stats", func() { observeDBStats(ctx, db, metrics) })
	}

	// cleanup runs in reverse registration order
	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	owned.handOff(shutdown)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"addr":    httpServer.Addr,
			"version": version,
		}).Info("Starting spoke-iam server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})
	return g.Wait()
}

// warmPermissionCache resolves the principals with the most recent live
// sessions so their first requests hit the cache
func warmPermissionCache(ctx context.Context, ledger *session.Ledger, cache *permcache.Cache, limit int, logger *logrus.Logger) error {
	principals, err := ledger.ActivePrincipals(ctx, limit)
	if err != nil {
		return err
	}
	if len(principals) == 0 {
		return nil
	}
	start := time.Now()
	if err := cache.WarmUp(ctx, principals, warmUpWorkers); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"principals":  len(principals),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Warmed permission cache")
	return nil
}

func observeDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		metrics.ObserveDBStats(db.Stats())
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
