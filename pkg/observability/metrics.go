package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	SigninTotal      *prometheus.CounterVec
	TokensIssued     *prometheus.CounterVec
	TokenRefreshes   *prometheus.CounterVec
	OIDCFlowTotal    *prometheus.CounterVec
	OIDCRefreshTotal *prometheus.CounterVec

	// Provider registry metrics
	DiscoveryDuration *prometheus.HistogramVec
	ProvidersActive   prometheus.Gauge
	ProvidersDisabled prometheus.Gauge

	// Provisioning metrics
	ProvisioningTotal  *prometheus.CounterVec
	InvitationsExpired prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxvault_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boxvault_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		SigninTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxvault_signin_total",
				Help: "Sign-in attempts by principal kind and outcome",
			},
			[]string{"kind", "result"},
		),
		TokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxvault_tokens_issued_total",
				Help: "Access tokens issued by provider tag",
			},
			[]string{"provider"},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxvault_token_refreshes_total",
				Help: "Token refresh attempts by outcome",
			},
			[]string{"result"},
		),
		OIDCFlowTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxvault_oidc_flow_total",
				Help: "External login flow steps by provider, stage and outcome",
			},
			[]string{"provider", "stage", "result"},
		),
		OIDCRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxvault_oidc_refresh_total",
				Help: "Upstream OIDC token refreshes by provider and outcome",
			},
			[]string{"provider", "result"},
		),

		DiscoveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "boxvault_oidc_discovery_duration_seconds",
				Help:    "Time spent fetching provider discovery documents",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "result"},
		),
		ProvidersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "boxvault_oidc_providers_active",
				Help: "Number of providers initialized and enabled",
			},
		),
		ProvidersDisabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "boxvault_oidc_providers_disabled",
				Help: "Number of configured providers that are disabled or failed discovery",
			},
		),

		ProvisioningTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "boxvault_provisioning_total",
				Help: "Provisioning decisions by branch",
			},
			[]string{"branch"},
		),
		InvitationsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "boxvault_invitations_expired_total",
				Help: "Invitations flagged expired by the sweeper",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SigninTotal,
		m.TokensIssued,
		m.TokenRefreshes,
		m.OIDCFlowTotal,
		m.OIDCRefreshTotal,
		m.DiscoveryDuration,
		m.ProvidersActive,
		m.ProvidersDisabled,
		m.ProvisioningTotal,
		m.InvitationsExpired,
	)

	return m
}

func (m *Metrics) RecordSignin(kind, result string) {
	if m == nil {
		return
	}
	m.SigninTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordTokenIssued(provider string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(provider).Inc()
}

func (m *Metrics) RecordTokenRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordOIDCFlow(provider, stage, result string) {
	if m == nil {
		return
	}
	m.OIDCFlowTotal.WithLabelValues(provider, stage, result).Inc()
}

func (m *Metrics) RecordOIDCRefresh(provider, result string) {
	if m == nil {
		return
	}
	m.OIDCRefreshTotal.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ObserveDiscovery(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.DiscoveryDuration.WithLabelValues(provider, result).Observe(d.Seconds())
}

func (m *Metrics) SetProviderCounts(active, disabled int) {
	if m == nil {
		return
	}
	m.ProvidersActive.Set(float64(active))
	m.ProvidersDisabled.Set(float64(disabled))
}

func (m *Metrics) RecordProvisioning(branch string) {
	if m == nil {
		return
	}
	m.ProvisioningTotal.WithLabelValues(branch).Inc()
}

func (m *Metrics) AddInvitationsExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.InvitationsExpired.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Requests are labelled by
// their mux route template so path parameters do not explode cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
