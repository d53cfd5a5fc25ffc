package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/boxvault/pkg/api"
	"github.com/platinummonkey/boxvault/pkg/async"
	"github.com/platinummonkey/boxvault/pkg/audit"
	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/config"
	"github.com/platinummonkey/boxvault/pkg/observability"
	"github.com/platinummonkey/boxvault/pkg/orgs"
	"github.com/platinummonkey/boxvault/pkg/session"
	"github.com/platinummonkey/boxvault/pkg/sso"
	"github.com/platinummonkey/boxvault/pkg/storage/postgres"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	loaded := config.Load()
	cfg := loaded.Config
	logger := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if loaded.Degraded {
		logger.WithError(loaded.Err).Error("Configuration is incomplete, starting in degraded mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("Tracing disabled")
	}

	db, err := postgres.Open(ctx, postgres.ConnectionConfig{
		URL:         cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: 30 * time.Minute,
		MaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	if cfg.Database.MigrateOnStart || *migrateOnly {
		if err := postgres.RunMigrations(ctx, db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to apply migrations")
		}
	}
	if *migrateOnly {
		_ = db.Close()
		return
	}

	sessions, redisClient := openSessions(ctx, cfg.Session, logger)

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = observability.NewMetrics(registry)
	}

	store := postgres.NewStore(db)
	orgService := orgs.NewService(db)
	memberships := orgs.NewMembershipResolver(db)
	invitations := orgs.NewInvitationResolver(db)
	auditStore := audit.NewStore(db)
	auditPool := async.NewWorkerPool(2, 1024, "audit", 5*time.Second, logger)
	auditLogger := auth.NewAuditLogger(logger, audit.NewAsyncSink(auditStore, auditPool))

	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret:     cfg.Auth.JWTSecret,
		Expiration: cfg.Auth.JWTExpiration,
		Issuer:     cfg.Auth.JWTIssuer,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Token issuer unavailable, sign-in is disabled")
	}

	providers := sso.NewRegistryHandle(initRegistry(ctx, cfg, cfg.OIDC.Providers, logger, metrics))
	if issuer != nil {
		issuer.SetRefresher(sso.NewRefresher(providers, cfg.OIDC.DiscoveryTimeout, logger, metrics))
	}

	provisioner := sso.NewProvisioner(sso.ProvisionerDeps{
		Users:       store,
		Credentials: store,
		Roles:       store,
		Orgs:        orgService,
		Memberships: memberships,
		Invitations: invitations,
	}, cfg.Provisioning, logger, metrics)

	defaultExpiry, _ := cfg.Auth.ExternalTokenExpiry()
	flow := sso.NewFlow(sso.FlowOptions{
		Sessions:           sessions,
		Registry:           providers,
		Provisioner:        provisioner,
		Orgs:               memberships,
		Issuer:             issuer,
		FrontendURL:        cfg.Server.FrontendURL,
		FlowTTL:            cfg.Session.FlowTTL,
		DefaultTokenExpiry: defaultExpiry,
		ProviderTimeout:    cfg.OIDC.DiscoveryTimeout,
		Logger:             logger,
		Metrics:            metrics,
	})
	ssoHandlers := sso.NewHandlers(sso.HandlerOptions{
		Flow:         flow,
		Registry:     providers,
		CookieName:   cfg.Session.CookieName,
		CookieSecure: cfg.Session.CookieSecure,
		FlowTTL:      cfg.Session.FlowTTL,
		FrontendURL:  cfg.Server.FrontendURL,
		Audit:        auditLogger,
		Logger:       logger,
	})

	authHandlers := api.NewAuthHandlers(api.AuthHandlersOptions{
		Authenticator: auth.NewAuthenticator(store, store),
		Issuer:        issuer,
		Roles:         store,
		Memberships:   memberships,
		Orgs:          orgService,
		Invitations:   invitations,
		Signup:        api.NewSignupService(store, store, orgService, memberships, invitations, logger),
		InvitationTTL: cfg.Auth.InvitationTTL(),
		Events:        auditStore,
		Audit:         auditLogger,
		Metrics:       metrics,
		Logger:        logger,
	})

	health := observability.NewHealthChecker(db, redisClient, version)
	if loaded.Degraded {
		health.SetConfigError(loaded.Err)
	}

	serverOpts := api.ServerOptions{
		Auth:    authHandlers,
		SSO:     ssoHandlers,
		Health:  health,
		Metrics: metrics,
		Logger:  logger,
	}
	if metrics != nil {
		serverOpts.Gatherer = registry
	}
	if tp != nil {
		serverOpts.ServiceName = cfg.Observability.OTelServiceName
	}

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(serverOpts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("tracing", func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp)
	})
	shutdown.Register("database", func(context.Context) error {
		return db.Close()
	})
	shutdown.Register("audit-writer", auditPool.Shutdown)
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error {
			return redisClient.Close()
		})
	}

	sweeper, err := orgs.NewSweeper(invitations, cfg.Auth.InvitationSweepSchedule, logger)
	if err != nil {
		logger.WithError(err).Warn("Invitation sweeper disabled")
	} else {
		sweeper.Start()
		shutdown.Register("invitation-sweeper", func(context.Context) error {
			sweeper.Stop()
			return nil
		})
	}

	if cfg.OIDC.ProvidersFile != "" {
		async.Go(ctx, logger, "providers-watch", func(ctx context.Context) error {
			return watchProviders(ctx, cfg, providers, logger, metrics)
		})
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":      httpServer.Addr,
			"version":   version,
			"providers": providers.Load().Len(),
			"degraded":  loaded.Degraded,
		}).Info("Starting BoxVault auth service")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
}

// openSessions picks the browser session backend. A redis backend that
// cannot be reached falls back to memory so local login keeps working.
func openSessions(ctx context.Context, cfg config.SessionConfig, logger *logrus.Logger) (session.Store, *redis.Client) {
	memory := func() session.Store {
		return session.NewMemoryStore(cfg.MemorySize, cfg.FlowTTL)
	}
	if cfg.Backend != "redis" {
		return memory(), nil
	}

	client, err := session.NewRedisClient(ctx, session.RedisConfig{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		logger.WithError(err).Error("Redis session store unavailable, using in-memory sessions")
		return memory(), nil
	}
	return session.NewRedisStore(client, "boxvault:session:"), client
}

func initRegistry(ctx context.Context, cfg *config.Config, providers []config.ProviderConfig, logger *logrus.Logger, metrics *observability.Metrics) *sso.Registry {
	client := &http.Client{
		Timeout:   cfg.OIDC.DiscoveryTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return sso.Initialize(ctx, providers, sso.RegistryOptions{
		HTTPClient:  client,
		Timeout:     cfg.OIDC.DiscoveryTimeout,
		RedirectURL: cfg.Server.PublicURL + cfg.OIDC.CallbackPath,
		Logger:      logger,
		Metrics:     metrics,
	})
}

func watchProviders(ctx context.Context, cfg *config.Config, handle *sso.RegistryHandle, logger *logrus.Logger, metrics *observability.Metrics) error {
	return config.WatchProviders(ctx, cfg.OIDC.ProvidersFile, logger, func(providers []config.ProviderConfig) {
		next := initRegistry(ctx, cfg, providers, logger, metrics)
		handle.Replace(next)
		logger.WithField("providers", next.Len()).Info("Identity providers reloaded")
	})
}
