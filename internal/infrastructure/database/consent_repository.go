package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caregrid/patient-records-backend/internal/domain/consent"
	domerrors "github.com/caregrid/patient-records-backend/internal/domain/errors"
)

// ConsentRepository implements consent.Store over PostgreSQL.
type ConsentRepository struct {
	db *pgxpool.Pool
}

// NewConsentRepository creates a new PostgreSQL consent repository
func NewConsentRepository(db *pgxpool.Pool) *ConsentRepository {
	return &ConsentRepository{db: db}
}

const grantColumns = `
	id, patient_id, recipient_id, recipient_role, data_type, purpose,
	valid_from, valid_until, max_access_count, access_count,
	ip_address, device_fingerprint, status,
	granted_by, granted_at, revoked_by, revoked_at, revocation_reason,
	is_emergency, emergency_reason, emergency_justification, approved_by,
	version, signature_hash, signature_algorithm, signature_timestamp,
	created_at, updated_at`

// Create persists a new grant. The partial unique index on emergency
// all_records grants maps concurrent break-glass inserts to a conflict.
func (r *ConsentRepository) Create(ctx context.Context, g *consent.Grant) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO consent_grants (`+grantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`, grantArgs(g)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domerrors.NewConflictError("an equivalent active grant already exists")
		}
		return domerrors.NewInternalError("failed to insert grant").WithCause(err)
	}
	return nil
}

// GetByID retrieves a grant by its ID.
func (r *ConsentRepository) GetByID(ctx context.Context, id uuid.UUID) (*consent.Grant, error) {
	row := r.db.QueryRow(ctx, `SELECT `+grantColumns+` FROM consent_grants WHERE id = $1`, id)
	g, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domerrors.ErrGrantNotFound
		}
		return nil, domerrors.NewInternalError("failed to get grant").WithCause(err)
	}
	return g, nil
}

// FindActive finds the most recent active grant for the pair whose data
// type covers the requested one. Exact matches win over all_records.
// Time-window and cap validity are derived by the caller, so a grant past
// its window can still be returned here and lazily expired on observation.
func (r *ConsentRepository) FindActive(ctx context.Context, patientID, recipientID uuid.UUID, dataType consent.DataType) (*consent.Grant, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+grantColumns+`
		FROM consent_grants
		WHERE patient_id = $1
		  AND recipient_id = $2
		  AND (data_type = $3 OR data_type = 'all_records')
		  AND status = 'active'
		ORDER BY (data_type = $3) DESC, granted_at DESC
		LIMIT 1
	`, patientID, recipientID, string(dataType))
	g, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domerrors.ErrGrantNotFound
		}
		return nil, domerrors.NewInternalError("failed to find active grant").WithCause(err)
	}
	return g, nil
}

// FindByPatient lists a patient's grants, optionally filtered by status.
func (r *ConsentRepository) FindByPatient(ctx context.Context, patientID uuid.UUID, status *consent.Status) ([]*consent.Grant, error) {
	return r.findBy(ctx, "patient_id", patientID, status)
}

// FindByRecipient lists grants naming the recipient, optionally filtered
// by status.
func (r *ConsentRepository) FindByRecipient(ctx context.Context, recipientID uuid.UUID, status *consent.Status) ([]*consent.Grant, error) {
	return r.findBy(ctx, "recipient_id", recipientID, status)
}

func (r *ConsentRepository) findBy(ctx context.Context, column string, id uuid.UUID, status *consent.Status) ([]*consent.Grant, error) {
	query := `SELECT ` + grantColumns + ` FROM consent_grants WHERE ` + column + ` = $1`
	args := []interface{}{id}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, string(*status))
	}
	query += ` ORDER BY granted_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, domerrors.NewInternalError("failed to query grants").WithCause(err)
	}
	defer rows.Close()

	var grants []*consent.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, domerrors.NewInternalError("failed to scan grant").WithCause(err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, domerrors.NewInternalError("error iterating grants").WithCause(err)
	}
	return grants, nil
}

// Update persists grant mutations. Time-based expiry is re-derived before
// writing, and the write is conditioned on the previous version so
// concurrent updaters lose cleanly instead of clobbering each other.
func (r *ConsentRepository) Update(ctx context.Context, g *consent.Grant) error {
	if g.ExpireIfPast(time.Now()) {
		g.Version++
		g.Sign()
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE consent_grants SET
			valid_from = $2, valid_until = $3,
			max_access_count = $4, access_count = $5,
			ip_address = $6, device_fingerprint = $7, status = $8,
			revoked_by = $9, revoked_at = $10, revocation_reason = $11,
			is_emergency = $12, emergency_reason = $13,
			emergency_justification = $14, approved_by = $15,
			version = $16, signature_hash = $17, signature_algorithm = $18,
			signature_timestamp = $19, updated_at = $20
		WHERE id = $1 AND version < $16
	`, g.ID, g.ValidFrom, g.ValidUntil,
		g.Limitations.MaxAccessCount, g.Limitations.AccessCount,
		nullString(g.Limitations.IPAddress), nullString(g.Limitations.DeviceFingerprint), string(g.Status),
		g.RevokedBy, g.RevokedAt, nullString(g.RevocationReason),
		g.Emergency.IsEmergency, nullString(g.Emergency.Reason),
		nullString(g.Emergency.Justification), nilIfZeroUUID(g.Emergency.ApprovedBy),
		g.Version, g.Signature.Hash, g.Signature.Algorithm,
		g.Signature.Timestamp, g.UpdatedAt)
	if err != nil {
		return domerrors.NewInternalError("failed to update grant").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, g.ID); err != nil {
			return err
		}
		return domerrors.NewConflictError("grant was modified concurrently")
	}
	return nil
}

// RecordAccess atomically increments the access count and expires the
// grant when the increment reaches the cap, all in one conditional
// statement. Zero rows affected means the grant raced to an invalid state;
// the caller treats that as a denial.
func (r *ConsentRepository) RecordAccess(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE consent_grants SET
			access_count = access_count + 1,
			status = CASE
				WHEN max_access_count IS NOT NULL AND access_count + 1 >= max_access_count
				THEN 'expired' ELSE status END,
			updated_at = NOW()
		WHERE id = $1
		  AND status = 'active'
		  AND (max_access_count IS NULL OR access_count < max_access_count)
	`, id)
	if err != nil {
		return domerrors.NewInternalError("failed to record access").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return domerrors.NewConflictError("grant is no longer active or its access cap is exhausted")
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row rowScanner) (*consent.Grant, error) {
	var (
		g                 consent.Grant
		role              string
		dataType, purpose string
		status            string
		ipAddress         *string
		deviceFingerprint *string
		revocationReason  *string
		emergencyReason   *string
		emergencyJust     *string
		approvedBy        *uuid.UUID
	)
	err := row.Scan(
		&g.ID, &g.PatientID, &g.RecipientID, &role, &dataType, &purpose,
		&g.ValidFrom, &g.ValidUntil, &g.Limitations.MaxAccessCount, &g.Limitations.AccessCount,
		&ipAddress, &deviceFingerprint, &status,
		&g.GrantedBy, &g.GrantedAt, &g.RevokedBy, &g.RevokedAt, &revocationReason,
		&g.Emergency.IsEmergency, &emergencyReason, &emergencyJust, &approvedBy,
		&g.Version, &g.Signature.Hash, &g.Signature.Algorithm, &g.Signature.Timestamp,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.RecipientRole = consent.Role(role)
	g.DataType = consent.DataType(dataType)
	g.Purpose = consent.Purpose(purpose)
	g.Status = consent.Status(status)
	if ipAddress != nil {
		g.Limitations.IPAddress = *ipAddress
	}
	if deviceFingerprint != nil {
		g.Limitations.DeviceFingerprint = *deviceFingerprint
	}
	if revocationReason != nil {
		g.RevocationReason = *revocationReason
	}
	if emergencyReason != nil {
		g.Emergency.Reason = *emergencyReason
	}
	if emergencyJust != nil {
		g.Emergency.Justification = *emergencyJust
	}
	if approvedBy != nil {
		g.Emergency.ApprovedBy = *approvedBy
	}
	return &g, nil
}

func grantArgs(g *consent.Grant) []interface{} {
	return []interface{}{
		g.ID, g.PatientID, g.RecipientID, string(g.RecipientRole),
		string(g.DataType), string(g.Purpose),
		g.ValidFrom, g.ValidUntil,
		g.Limitations.MaxAccessCount, g.Limitations.AccessCount,
		nullString(g.Limitations.IPAddress), nullString(g.Limitations.DeviceFingerprint),
		string(g.Status),
		g.GrantedBy, g.GrantedAt, g.RevokedBy, g.RevokedAt, nullString(g.RevocationReason),
		g.Emergency.IsEmergency, nullString(g.Emergency.Reason),
		nullString(g.Emergency.Justification), nilIfZeroUUID(g.Emergency.ApprovedBy),
		g.Version, g.Signature.Hash, g.Signature.Algorithm, g.Signature.Timestamp,
		g.CreatedAt, g.UpdatedAt,
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nilIfZeroUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
