package consent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/caregrid/patient-records-backend/internal/domain/audit"
	"github.com/caregrid/patient-records-backend/internal/domain/consent"
)

// Ledger is the write side of the audit log as seen by the consent
// services. Append is best-effort and must not block request handling.
type Ledger interface {
	Append(ctx context.Context, record *audit.Record) error
}

// GrantCache fronts the store's candidate-grant lookup. A nil
// implementation is allowed; every method degrades to the store.
type GrantCache interface {
	GetGrant(ctx context.Context, patientID, recipientID uuid.UUID, dataType consent.DataType) (*consent.Grant, bool)
	SetGrant(ctx context.Context, grant *consent.Grant, requested consent.DataType)
	Invalidate(ctx context.Context, patientID, recipientID uuid.UUID)
}

// RateLimiter bounds break-glass invocations per caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RequestMeta carries the HTTP request metadata every operation copies
// onto its audit records.
type RequestMeta struct {
	IPAddress string `json:"ip_address" validate:"required"`
	UserAgent string `json:"user_agent" validate:"required"`
	Endpoint  string `json:"endpoint" validate:"required"`
	Method    string `json:"method" validate:"required"`
	RequestID string `json:"request_id" validate:"required"`
	SessionID string `json:"session_id,omitempty"`
}

func (m RequestMeta) toRequestDetails() audit.RequestDetails {
	return audit.RequestDetails{
		IPAddress: m.IPAddress,
		UserAgent: m.UserAgent,
		Endpoint:  m.Endpoint,
		Method:    m.Method,
		RequestID: m.RequestID,
		SessionID: m.SessionID,
	}
}
