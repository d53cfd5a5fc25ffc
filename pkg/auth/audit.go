package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// AuditEvent is a single security-relevant authentication event
type AuditEvent struct {
	Action    string
	Status    string
	UserID    *int64
	Subject   string // identifier presented by the client
	Provider  string
	IPAddress string
	UserAgent string
	Error     error
	CreatedAt time.Time
}

// AuditSink receives every audit event after it is logged
type AuditSink interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditLogger writes authentication events to a dedicated logger and
// forwards them to any configured sinks
type AuditLogger struct {
	logger *logrus.Logger
	sinks  []AuditSink
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *logrus.Logger, sinks ...AuditSink) *AuditLogger {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditLogger{logger: logger, sinks: sinks}
}

// Log records an event
func (al *AuditLogger) Log(event *AuditEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	fields := logrus.Fields{
		"audit":      true,
		"action":     event.Action,
		"status":     event.Status,
		"ip_address": event.IPAddress,
		"created_at": event.CreatedAt.UTC().Format(time.RFC3339),
	}
	if event.UserID != nil {
		fields["user_id"] = *event.UserID
	}
	if event.Subject != "" {
		fields["subject"] = event.Subject
	}
	if event.Provider != "" {
		fields["provider"] = event.Provider
	}
	if event.UserAgent != "" {
		fields["user_agent"] = event.UserAgent
	}

	entry := al.logger.WithFields(fields)
	if event.Error != nil {
		entry.WithError(event.Error).Warn("auth event")
	} else {
		entry.Info("auth event")
	}

	for _, sink := range al.sinks {
		if err := sink.Record(context.Background(), event); err != nil {
			al.logger.WithError(err).WithField("action", event.Action).Warn("Failed to record audit event")
		}
	}
}

// LogFromRequest records an event with client details taken from r
func (al *AuditLogger) LogFromRequest(r *http.Request, action, status string, userID *int64, subject string, err error) {
	al.Log(&AuditEvent{
		Action:    action,
		Status:    status,
		UserID:    userID,
		Subject:   subject,
		IPAddress: getClientIP(r),
		UserAgent: r.UserAgent(),
		Error:     err,
	})
}

func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// Audit actions
const (
	ActionSignin           = "auth.signin"
	ActionSignup           = "auth.signup"
	ActionRefresh          = "auth.refresh"
	ActionExternalLogin    = "auth.external_login"
	ActionExternalLogout   = "auth.external_logout"
	ActionSetPrimaryOrg    = "organization.set_primary"
	ActionInvitationClaim  = "invitation.accept"
	ActionInvitationCreate = "invitation.create"
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusDenied  = "denied"
)
