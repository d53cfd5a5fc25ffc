// Package observability provides logging, Prometheus metrics, health probes
// and OpenTelemetry tracing for the BoxVault auth service.
//
// # Logging
//
//	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
//	logger.WithField("provider", name).Info("Provider initialized")
//
// # Metrics
//
// Metrics methods are nil-safe so components can be built without a registry:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordSignin("password", "success")
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.RegisterRoutes(router) // /healthz and /readyz
package observability
