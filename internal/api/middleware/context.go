package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/caregrid/patient-records-backend/internal/domain/consent"
)

type contextKey string

const (
	principalKey       contextKey = "principal"
	consentVerifiedKey contextKey = "consent_verified"
	consentIDKey       contextKey = "consent_id"
	emergencyAccessKey contextKey = "emergency_access"
	requestIDKey       contextKey = "request_id"
)

// WithPrincipal attaches the authenticated caller to the context. The
// authentication layer calls this before the access gateway runs.
func WithPrincipal(ctx context.Context, p consent.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the authenticated caller from the context.
func PrincipalFrom(ctx context.Context) (consent.Principal, bool) {
	p, ok := ctx.Value(principalKey).(consent.Principal)
	return p, ok
}

// ConsentVerified reports whether the current request passed a consent
// evaluation. Admin bypass and patient self-access leave this false.
func ConsentVerified(ctx context.Context) bool {
	v, _ := ctx.Value(consentVerifiedKey).(bool)
	return v
}

// ConsentIDFrom returns the grant that authorized the current request.
func ConsentIDFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(consentIDKey).(uuid.UUID)
	return id, ok
}

// IsEmergencyAccess reports whether the authorizing grant came from a
// break-glass override.
func IsEmergencyAccess(ctx context.Context) bool {
	v, _ := ctx.Value(emergencyAccessKey).(bool)
	return v
}

// RequestIDFrom returns the request correlation ID assigned by the gateway.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
