package sso

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/httputil"
)

// Redirect error codes
const (
	CodeProviderNotFound   = "provider_not_found"
	CodeProviderNotEnabled = "provider_not_enabled"
	CodeAuthURLFailed      = "auth_url_failed"
	CodeNoSessionData      = "no_session_data"
	CodeOIDCFailed         = "oidc_failed"
	CodeAccessDenied       = "access_denied"
	CodeUserCreationFailed = "user_creation_failed"
)

// ErrorCode maps a flow error to the short code placed in the error= parameter
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrProviderNotFound):
		return CodeProviderNotFound
	case errors.Is(err, auth.ErrProviderNotEnabled):
		return CodeProviderNotEnabled
	case errors.Is(err, auth.ErrAuthURLGenerationFailed):
		return CodeAuthURLFailed
	case errors.Is(err, auth.ErrNoSessionData):
		return CodeNoSessionData
	case errors.Is(err, auth.ErrAccessDenied),
		errors.Is(err, auth.ErrAccountInactive),
		errors.Is(err, auth.ErrUnknownPolicy):
		return CodeAccessDenied
	case errors.Is(err, auth.ErrUserCreationFailed):
		return CodeUserCreationFailed
	default:
		return CodeOIDCFailed
	}
}

// HandlerOptions configures the external login endpoints
type HandlerOptions struct {
	Flow     *Flow
	Registry *RegistryHandle

	CookieName   string
	CookieSecure bool
	FlowTTL      time.Duration

	FrontendURL string
	// LoginPath is the frontend page that receives error= redirects
	LoginPath string

	Audit  *auth.AuditLogger
	Logger *logrus.Logger
}

// Handlers serves the external login endpoints
type Handlers struct {
	flow         *Flow
	registry     *RegistryHandle
	cookieName   string
	cookieSecure bool
	flowTTL      time.Duration
	frontendURL  string
	loginPath    string
	audit        *auth.AuditLogger
	logger       *logrus.Logger
}

// NewHandlers creates the external login handlers
func NewHandlers(opts HandlerOptions) *Handlers {
	h := &Handlers{
		flow:         opts.Flow,
		registry:     opts.Registry,
		cookieName:   opts.CookieName,
		cookieSecure: opts.CookieSecure,
		flowTTL:      opts.FlowTTL,
		frontendURL:  strings.TrimRight(opts.FrontendURL, "/"),
		loginPath:    opts.LoginPath,
		audit:        opts.Audit,
		logger:       opts.Logger,
	}
	if h.cookieName == "" {
		h.cookieName = "boxvault_sid"
	}
	if h.flowTTL <= 0 {
		h.flowTTL = DefaultFlowTTL
	}
	if h.loginPath == "" {
		h.loginPath = "/login"
	}
	if h.logger == nil {
		h.logger = logrus.New()
	}
	if h.audit == nil {
		h.audit = auth.NewAuditLogger(h.logger)
	}
	if h.registry == nil {
		h.registry = NewRegistryHandle(nil)
	}
	return h
}

// RegisterRoutes registers the external login routes. The callback route is
// registered before the {provider} route so it is not captured as a name.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/oidc/issuers", h.listIssuers).Methods("GET")
	router.HandleFunc("/auth/methods", h.listMethods).Methods("GET")
	router.HandleFunc("/auth/oidc/callback", h.callback).Methods("GET")
	router.HandleFunc("/auth/oidc/logout", h.logout).Methods("POST")
	router.HandleFunc("/auth/oidc/{provider}", h.start).Methods("GET")
}

// IssuerInfo describes a provider to the UI
type IssuerInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Issuer      string `json:"issuer"`
	LoginURL    string `json:"login_url"`
}

// AuthMethod is one way of signing in
type AuthMethod struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	LoginURL    string `json:"login_url,omitempty"`
}

func (h *Handlers) issuers() []IssuerInfo {
	providers := h.registry.Load().List()
	out := make([]IssuerInfo, 0, len(providers))
	for _, p := range providers {
		out = append(out, IssuerInfo{
			Name:        p.Name,
			DisplayName: p.DisplayName,
			Issuer:      p.Issuer,
			LoginURL:    "/auth/oidc/" + url.PathEscape(p.Name),
		})
	}
	return out
}

// listIssuers handles GET /auth/oidc/issuers
func (h *Handlers) listIssuers(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.issuers())
}

// listMethods handles GET /auth/methods
func (h *Handlers) listMethods(w http.ResponseWriter, r *http.Request) {
	methods := []AuthMethod{{Type: "local", Name: auth.ProviderLocal, DisplayName: "Username and password"}}
	for _, iss := range h.issuers() {
		methods = append(methods, AuthMethod{
			Type:        "oidc",
			Name:        iss.Name,
			DisplayName: iss.DisplayName,
			LoginURL:    iss.LoginURL,
		})
	}
	httputil.WriteSuccess(w, methods)
}

// start handles GET /auth/oidc/{provider}
func (h *Handlers) start(w http.ResponseWriter, r *http.Request) {
	providerName := mux.Vars(r)["provider"]

	authURL, err := h.flow.Start(r.Context(), h.sessionID(w, r), providerName, r.URL.Query().Get("redirect"))
	if err != nil {
		h.audit.LogFromRequest(r, auth.ActionExternalLogin, auth.StatusFailure, nil, ProviderTag(providerName), err)
		http.Redirect(w, r, h.errorRedirect(ErrorCode(err)), http.StatusFound)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// callback handles GET /auth/oidc/callback
func (h *Handlers) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := CallbackParams{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	var sessionID string
	if c, err := r.Cookie(h.cookieName); err == nil {
		sessionID = c.Value
	}

	result, err := h.flow.Callback(r.Context(), sessionID, params)
	if err != nil {
		status := auth.StatusFailure
		if errors.Is(err, auth.ErrAccessDenied) || errors.Is(err, auth.ErrAccountInactive) {
			status = auth.StatusDenied
		}
		h.audit.LogFromRequest(r, auth.ActionExternalLogin, status, nil, "", err)
		http.Redirect(w, r, h.errorRedirect(ErrorCode(err)), http.StatusFound)
		return
	}

	userID := result.User.ID
	h.audit.LogFromRequest(r, auth.ActionExternalLogin, auth.StatusSuccess, &userID, result.User.Username, nil)
	http.Redirect(w, r, withQuery(result.Redirect, "token", result.Token), http.StatusFound)
}

type logoutRequest struct {
	Token                 string `json:"token"`
	PostLogoutRedirectURI string `json:"post_logout_redirect_uri"`
}

type logoutResponse struct {
	Message     string `json:"message"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// logout handles POST /auth/oidc/logout. It always answers 200.
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength != 0 {
		// A malformed body just means there is nothing to end upstream
		_ = httputil.ParseJSON(r, &req)
	}
	token := httputil.BearerToken(r)
	if token == "" {
		token = req.Token
	}

	result := h.flow.Logout(r.Context(), token, req.PostLogoutRedirectURI)
	h.audit.LogFromRequest(r, auth.ActionExternalLogout, auth.StatusSuccess, nil, "", nil)

	resp := logoutResponse{Message: "Logged out successfully", RedirectURL: result.RedirectURL}
	httputil.WriteSuccess(w, resp)
}

// sessionID returns the browser session id, issuing a cookie if there is none
func (h *Handlers) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(h.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    id,
		Path:     "/auth",
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.flowTTL.Seconds()),
	})
	return id
}

func (h *Handlers) errorRedirect(code string) string {
	return withQuery(h.frontendURL+h.loginPath, "error", code)
}

// withQuery sets one query parameter on target, keeping any existing ones
func withQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
