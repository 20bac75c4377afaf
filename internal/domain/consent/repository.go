package consent

import (
	"context"

	"github.com/google/uuid"
)

// Store defines the interface for consent grant persistence.
type Store interface {
	// Create persists a new grant.
	Create(ctx context.Context, grant *Grant) error

	// GetByID retrieves a grant by its ID.
	GetByID(ctx context.Context, id uuid.UUID) (*Grant, error)

	// FindActive finds the most recent active grant for the patient/
	// recipient pair whose data type covers the requested one (exact match
	// preferred over all_records). Callers derive time-window and
	// access-cap validity themselves; the store only filters on status.
	// Returns NotFound when no candidate exists.
	FindActive(ctx context.Context, patientID, recipientID uuid.UUID, dataType DataType) (*Grant, error)

	// FindByPatient lists a patient's grants, optionally filtered by status.
	FindByPatient(ctx context.Context, patientID uuid.UUID, status *Status) ([]*Grant, error)

	// FindByRecipient lists grants naming the recipient, optionally
	// filtered by status.
	FindByRecipient(ctx context.Context, recipientID uuid.UUID, status *Status) ([]*Grant, error)

	// Update persists grant mutations, re-deriving time-based expiry before
	// writing and bumping the version.
	Update(ctx context.Context, grant *Grant) error

	// RecordAccess atomically increments the grant's access count and, when
	// the increment reaches the cap, flips status to expired in the same
	// conditional operation. Returns Conflict when the grant is no longer
	// active or the cap is already exhausted.
	RecordAccess(ctx context.Context, id uuid.UUID) error
}
