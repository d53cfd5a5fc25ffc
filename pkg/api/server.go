package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/boxvault/pkg/httputil"
	"github.com/platinummonkey/boxvault/pkg/observability"
)

// RouteRegistrar is an interface for types that can register routes
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// ServerOptions wires the HTTP surface
type ServerOptions struct {
	Auth *AuthHandlers
	// External login handlers (*sso.Handlers); nil when none are configured
	SSO RouteRegistrar

	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	// ServiceName names the server spans; tracing is off when empty
	ServiceName string
	Logger      *logrus.Logger
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler
	logger  *logrus.Logger
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{router: mux.NewRouter(), logger: logger}
	s.router.Use(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
		observability.RecoveryMiddleware(logger),
		observability.HTTPMetricsMiddleware(opts.Metrics),
	)

	if opts.Health != nil {
		opts.Health.RegisterRoutes(s.router)
	}
	if opts.Gatherer != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(opts.Gatherer)).Methods("GET")
	}
	if opts.Auth != nil {
		s.RegisterRoutes(opts.Auth)
	}
	if opts.SSO != nil {
		s.RegisterRoutes(opts.SSO)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFound(w, "Not found")
	})

	s.handler = s.router
	if opts.ServiceName != "" {
		s.handler = otelhttp.NewHandler(s.router, opts.ServiceName)
	}
	return s
}

// RegisterRoutes registers routes from a RouteRegistrar
func (s *Server) RegisterRoutes(registrar RouteRegistrar) {
	registrar.RegisterRoutes(s.router)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
