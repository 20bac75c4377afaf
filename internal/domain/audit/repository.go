package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the persistence interface for the append-only ledger.
// There is deliberately no update or delete operation.
type Store interface {
	// Insert persists a sealed record.
	Insert(ctx context.Context, record *Record) error

	// GetByID retrieves a single record.
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)

	// FindByPatient lists records targeting a patient, newest first.
	FindByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*Record, error)

	// FindSecurityEvents lists security-flagged records at or above the
	// given threat level within the window, newest first.
	FindSecurityEvents(ctx context.Context, minLevel ThreatLevel, since time.Time, limit int) ([]*Record, error)
}
