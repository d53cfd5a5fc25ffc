package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/boxvault/pkg/audit"
	"github.com/platinummonkey/boxvault/pkg/auth"
	"github.com/platinummonkey/boxvault/pkg/httputil"
	"github.com/platinummonkey/boxvault/pkg/middleware"
	"github.com/platinummonkey/boxvault/pkg/observability"
	"github.com/platinummonkey/boxvault/pkg/orgs"
)

// Memberships resolves and updates organization memberships
type Memberships interface {
	Resolve(ctx context.Context, userID int64) ([]orgs.Membership, error)
	SetPrimary(ctx context.Context, userID, orgID int64) error
}

// OrgLookup finds organizations by name
type OrgLookup interface {
	GetByName(ctx context.Context, name string) (*orgs.Organization, error)
}

// InvitationCreator issues invitations
type InvitationCreator interface {
	Create(ctx context.Context, email string, orgID int64, role auth.Role, ttl time.Duration) (*orgs.Invitation, error)
}

// EventSearcher reads persisted audit events
type EventSearcher interface {
	Search(ctx context.Context, filter audit.Filter) ([]*auth.AuditEvent, error)
}

// AuthHandlersOptions wires the local authentication endpoints
type AuthHandlersOptions struct {
	Authenticator *auth.Authenticator
	// Issuer may be nil when no signing secret is configured
	Issuer        *auth.TokenIssuer
	Roles         auth.RoleStore
	Memberships   Memberships
	Orgs          OrgLookup
	Invitations   InvitationCreator
	Signup        *SignupService
	InvitationTTL time.Duration
	// Events is optional; /auth/me/events is only served when set
	Events EventSearcher

	Audit   *auth.AuditLogger
	Metrics *observability.Metrics
	Logger  *logrus.Logger
}

// AuthHandlers handles local authentication HTTP requests
type AuthHandlers struct {
	authenticator *auth.Authenticator
	issuer        *auth.TokenIssuer
	roles         auth.RoleStore
	memberships   Memberships
	orgs          OrgLookup
	invitations   InvitationCreator
	signup        *SignupService
	invitationTTL time.Duration
	events        EventSearcher
	authn         *middleware.AuthMiddleware

	audit   *auth.AuditLogger
	metrics *observability.Metrics
	logger  *logrus.Logger
}

// NewAuthHandlers creates a new auth handlers instance
func NewAuthHandlers(opts AuthHandlersOptions) *AuthHandlers {
	h := &AuthHandlers{
		authenticator: opts.Authenticator,
		issuer:        opts.Issuer,
		roles:         opts.Roles,
		memberships:   opts.Memberships,
		orgs:          opts.Orgs,
		invitations:   opts.Invitations,
		signup:        opts.Signup,
		invitationTTL: opts.InvitationTTL,
		events:        opts.Events,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
	if h.logger == nil {
		h.logger = logrus.New()
	}
	if h.audit == nil {
		h.audit = auth.NewAuditLogger(h.logger)
	}
	if h.invitationTTL <= 0 {
		h.invitationTTL = 72 * time.Hour
	}

	var parser middleware.TokenParser
	if h.issuer != nil {
		parser = h.issuer
	}
	h.authn = middleware.NewAuthMiddleware(parser, false, h.logger)
	return h
}

// RegisterRoutes registers authentication routes
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/signin", h.signin).Methods("POST")
	router.HandleFunc("/auth/signup", h.signupUser).Methods("POST")
	router.HandleFunc("/auth/refresh-token", h.refreshToken).Methods("POST")

	router.Handle("/auth/me", h.authn.Handler(http.HandlerFunc(h.me))).Methods("GET")
	if h.events != nil {
		router.Handle("/auth/me/events", h.authn.Handler(http.HandlerFunc(h.myEvents))).Methods("GET")
	}
	router.Handle("/auth/primary-organization",
		h.authn.Handler(middleware.RequireUser(http.HandlerFunc(h.setPrimaryOrganization)))).Methods("POST")
	router.Handle("/orgs/{org}/invitations",
		h.authn.Handler(middleware.OrgScope(auth.RoleModerator)(http.HandlerFunc(h.createInvitation)))).Methods("POST")
}

type signinRequest struct {
	Username     string `json:"username"`
	Password     string `json:"password"`
	StayLoggedIn bool   `json:"stayLoggedIn"`
}

type signinResponse struct {
	ID               int64           `json:"id"`
	Username         string          `json:"username"`
	Email            string          `json:"email"`
	Provider         string          `json:"provider"`
	Organizations    []auth.OrgClaim `json:"organizations"`
	Roles            []string        `json:"roles"`
	IsServiceAccount bool            `json:"isServiceAccount"`
	ServiceAccountID *int64          `json:"serviceAccountId,omitempty"`
	AccessToken      string          `json:"accessToken"`
}

// signin handles POST /auth/signin
func (h *AuthHandlers) signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		httputil.WriteBadRequest(w, "username and password are required")
		return
	}
	if h.issuer == nil {
		h.metrics.RecordSignin("unknown", "error")
		httputil.WriteInternalError(w, "Authentication is not configured")
		return
	}

	principal, err := h.authenticator.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, auth.ActionSignin, req.Username, err)
		return
	}

	kind := auth.ProviderLocal
	if _, ok := principal.(auth.ServiceAccountPrincipal); ok {
		kind = auth.ProviderServiceAccount
	}
	subjectID := principal.SubjectID()

	orgClaims, err := h.orgClaims(r.Context(), principal)
	if err != nil {
		h.fail(w, r, auth.ActionSignin, req.Username, err)
		return
	}

	token, claims, err := h.issuer.Issue(principal, orgClaims, auth.IssueOptions{StayLoggedIn: req.StayLoggedIn})
	if err != nil {
		h.fail(w, r, auth.ActionSignin, req.Username, err)
		return
	}

	roles, err := h.roles.RolesForUser(r.Context(), subjectID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", subjectID).Warn("Failed to load roles for signin response")
		roles = []string{}
	}

	h.metrics.RecordSignin(kind, "success")
	h.metrics.RecordTokenIssued(claims.Provider)
	h.audit.LogFromRequest(r, auth.ActionSignin, auth.StatusSuccess, &subjectID, req.Username, nil)

	httputil.WriteSuccess(w, signinResponse{
		ID:               claims.UserID,
		Username:         claims.Username,
		Email:            claims.Email,
		Provider:         claims.Provider,
		Organizations:    claims.Organizations,
		Roles:            roles,
		IsServiceAccount: claims.IsServiceAccount,
		ServiceAccountID: claims.ServiceAccountID,
		AccessToken:      token,
	})
}

// orgClaims lists the organizations a token carries. Service accounts
// bound to an organization only carry that one.
func (h *AuthHandlers) orgClaims(ctx context.Context, p auth.Principal) ([]auth.OrgClaim, error) {
	memberships, err := h.memberships.Resolve(ctx, p.SubjectID())
	if err != nil {
		return nil, auth.ErrConfiguration
	}

	sa, ok := p.(auth.ServiceAccountPrincipal)
	if !ok || sa.Account.OrganizationID == nil {
		return orgs.ToClaims(memberships), nil
	}
	for _, m := range memberships {
		if m.OrganizationID == *sa.Account.OrganizationID {
			m.IsPrimary = true
			return orgs.ToClaims([]orgs.Membership{m}), nil
		}
	}
	return []auth.OrgClaim{}, nil
}

// signupUser handles POST /auth/signup
func (h *AuthHandlers) signupUser(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	result, err := h.signup.Signup(r.Context(), req)
	if err != nil {
		h.fail(w, r, auth.ActionSignup, req.Username, err)
		return
	}

	userID := result.User.ID
	h.audit.LogFromRequest(r, auth.ActionSignup, auth.StatusSuccess, &userID, result.User.Username, nil)
	if req.InvitationToken != "" {
		h.audit.LogFromRequest(r, auth.ActionInvitationClaim, auth.StatusSuccess, &userID, result.Organization.Name, nil)
	}
	httputil.WriteCreated(w, map[string]interface{}{
		"message":      "User registered successfully",
		"id":           result.User.ID,
		"username":     result.User.Username,
		"email":        result.User.Email,
		"organization": result.Organization.Name,
		"role":         result.OrgRole,
		"roles":        result.Roles,
	})
}

type refreshRequest struct {
	Token        string `json:"token"`
	StayLoggedIn *bool  `json:"stayLoggedIn"`
}

type refreshResponse struct {
	AccessToken   string          `json:"accessToken"`
	ExpiresAt     int64           `json:"expiresAt"`
	Organizations []auth.OrgClaim `json:"organizations"`
}

// refreshToken handles POST /auth/refresh-token. Every rejection is a 403.
func (h *AuthHandlers) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 {
		// A malformed body is treated as carrying no token
		_ = httputil.ParseJSON(r, &req)
	}
	token := httputil.BearerToken(r)
	if token == "" {
		token = req.Token
	}
	if token == "" {
		h.metrics.RecordTokenRefresh("rejected")
		httputil.WriteForbidden(w, "No token provided")
		return
	}
	if h.issuer == nil {
		httputil.WriteInternalError(w, "Authentication is not configured")
		return
	}

	prior, err := h.issuer.Parse(token)
	if err != nil {
		h.rejectRefresh(w, r, nil, err)
		return
	}
	if prior.IsServiceAccount {
		h.rejectRefresh(w, r, prior, auth.ErrRefreshNotAllowed)
		return
	}

	memberships, err := h.memberships.Resolve(r.Context(), prior.UserID)
	var fresh []auth.OrgClaim
	if err != nil {
		h.logger.WithError(err).WithField("user_id", prior.UserID).Warn("Failed to reload organizations, keeping token claims")
	} else {
		fresh = orgs.ToClaims(memberships)
	}

	next, claims, err := h.issuer.Refresh(r.Context(), prior, auth.RefreshOptions{
		StayLoggedIn:  req.StayLoggedIn,
		Organizations: fresh,
	})
	if err != nil {
		h.rejectRefresh(w, r, prior, err)
		return
	}

	userID := claims.UserID
	h.metrics.RecordTokenRefresh("success")
	h.audit.LogFromRequest(r, auth.ActionRefresh, auth.StatusSuccess, &userID, claims.Username, nil)
	httputil.WriteSuccess(w, refreshResponse{
		AccessToken:   next,
		ExpiresAt:     claims.ExpiresAt.Unix(),
		Organizations: claims.Organizations,
	})
}

func (h *AuthHandlers) rejectRefresh(w http.ResponseWriter, r *http.Request, prior *auth.Claims, err error) {
	var userID *int64
	subject := ""
	if prior != nil {
		id := prior.UserID
		userID, subject = &id, prior.Username
	}
	h.metrics.RecordTokenRefresh("rejected")
	h.audit.LogFromRequest(r, auth.ActionRefresh, auth.StatusDenied, userID, subject, err)

	message := "Invalid or expired token"
	if prior != nil && prior.IsServiceAccount {
		message = "Service account tokens cannot be refreshed"
	}
	httputil.WriteForbidden(w, message)
}

type meResponse struct {
	ID               int64           `json:"id"`
	Username         string          `json:"username"`
	Email            string          `json:"email,omitempty"`
	Provider         string          `json:"provider"`
	Organizations    []auth.OrgClaim `json:"organizations"`
	IsServiceAccount bool            `json:"isServiceAccount"`
	ServiceAccountID *int64          `json:"serviceAccountId,omitempty"`
	StayLoggedIn     bool            `json:"stayLoggedIn"`
	ExpiresAt        int64           `json:"expiresAt"`
}

// me handles GET /auth/me
func (h *AuthHandlers) me(w http.ResponseWriter, r *http.Request) {
	c := middleware.ClaimsFromRequest(r)
	resp := meResponse{
		ID:               c.UserID,
		Username:         c.Username,
		Email:            c.Email,
		Provider:         c.Provider,
		Organizations:    c.Organizations,
		IsServiceAccount: c.IsServiceAccount,
		ServiceAccountID: c.ServiceAccountID,
		StayLoggedIn:     c.StayLoggedIn,
	}
	if c.ExpiresAt != nil {
		resp.ExpiresAt = c.ExpiresAt.Unix()
	}
	httputil.WriteSuccess(w, resp)
}

type eventResponse struct {
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Provider  string    `json:"provider,omitempty"`
	IPAddress string    `json:"ipAddress,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// myEvents handles GET /auth/me/events, the caller's recent auth activity.
// Optional query parameters: action (repeatable) and limit.
func (h *AuthHandlers) myEvents(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromRequest(r)
	userID := claims.UserID

	filter := audit.Filter{UserID: &userID, Actions: r.URL.Query()["action"]}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httputil.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	events, err := h.events.Search(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to load audit events")
		httputil.WriteInternalError(w, "Failed to load events")
		return
	}

	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventResponse{
			Action:    e.Action,
			Status:    e.Status,
			Provider:  e.Provider,
			IPAddress: e.IPAddress,
			UserAgent: e.UserAgent,
			CreatedAt: e.CreatedAt,
		})
	}
	httputil.WriteSuccess(w, resp)
}

// setPrimaryOrganization handles POST /auth/primary-organization and
// answers with a token carrying the updated organizations
func (h *AuthHandlers) setPrimaryOrganization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Organization string `json:"organization"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Organization) == "" {
		httputil.WriteBadRequest(w, "organization is required")
		return
	}

	claims := middleware.ClaimsFromRequest(r)
	userID := claims.UserID

	org, err := h.orgs.GetByName(r.Context(), req.Organization)
	if err == nil {
		err = h.memberships.SetPrimary(r.Context(), userID, org.ID)
	}
	if err != nil {
		h.fail(w, r, auth.ActionSetPrimaryOrg, claims.Username, err)
		return
	}

	memberships, err := h.memberships.Resolve(r.Context(), userID)
	if err != nil {
		h.fail(w, r, auth.ActionSetPrimaryOrg, claims.Username, auth.ErrConfiguration)
		return
	}
	token, next, err := h.issuer.Refresh(r.Context(), claims, auth.RefreshOptions{Organizations: orgs.ToClaims(memberships)})
	if err != nil {
		h.fail(w, r, auth.ActionSetPrimaryOrg, claims.Username, err)
		return
	}

	h.audit.LogFromRequest(r, auth.ActionSetPrimaryOrg, auth.StatusSuccess, &userID, claims.Username, nil)
	httputil.WriteSuccess(w, refreshResponse{
		AccessToken:   token,
		ExpiresAt:     next.ExpiresAt.Unix(),
		Organizations: next.Organizations,
	})
}

type invitationRequest struct {
	Email string    `json:"email"`
	Role  auth.Role `json:"role"`
}

type invitationResponse struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Token        string    `json:"token"`
	Role         auth.Role `json:"role"`
	Organization string    `json:"organization"`
	Expires      time.Time `json:"expires"`
}

// createInvitation handles POST /orgs/{org}/invitations
func (h *AuthHandlers) createInvitation(w http.ResponseWriter, r *http.Request) {
	var req invitationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		httputil.WriteBadRequest(w, "email is required")
		return
	}

	claims := middleware.ClaimsFromRequest(r)
	scope := middleware.OrgFromRequest(r)

	org, err := h.orgs.GetByName(r.Context(), scope.Name)
	if err != nil {
		h.fail(w, r, auth.ActionInvitationCreate, claims.Username, err)
		return
	}
	inv, err := h.invitations.Create(r.Context(), req.Email, org.ID, req.Role, h.invitationTTL)
	if err != nil {
		h.fail(w, r, auth.ActionInvitationCreate, claims.Username, err)
		return
	}

	userID := claims.UserID
	h.audit.LogFromRequest(r, auth.ActionInvitationCreate, auth.StatusSuccess, &userID, claims.Username, nil)
	httputil.WriteCreated(w, invitationResponse{
		ID:           inv.ID,
		Email:        inv.Email,
		Token:        inv.Token,
		Role:         inv.Role,
		Organization: org.Name,
		Expires:      inv.Expires,
	})
}

// fail logs the detail, audits the attempt and writes the mapped status
func (h *AuthHandlers) fail(w http.ResponseWriter, r *http.Request, action, subject string, err error) {
	status, message := statusFor(err)

	auditStatus := auth.StatusFailure
	if status == http.StatusForbidden {
		auditStatus = auth.StatusDenied
	}
	h.audit.LogFromRequest(r, action, auditStatus, nil, subject, err)
	if action == auth.ActionSignin {
		h.metrics.RecordSignin("unknown", signinResult(status))
	}

	entry := h.logger.WithError(err).WithFields(logrus.Fields{"action": action, "status": status})
	if status >= http.StatusInternalServerError {
		entry.Error("Authentication request failed")
	} else {
		entry.Debug("Authentication request rejected")
	}
	httputil.WriteErrorMessage(w, status, message)
}

func signinResult(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized:
		return "invalid"
	case http.StatusForbidden:
		return "inactive"
	default:
		return "error"
	}
}
