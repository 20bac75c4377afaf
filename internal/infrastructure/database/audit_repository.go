package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/caregrid/patient-records-backend/internal/domain/audit"
	domerrors "github.com/caregrid/patient-records-backend/internal/domain/errors"
)

// AuditRepository implements audit.Store over PostgreSQL. The ledger is
// append-only: this type exposes no update or delete path, and the table's
// triggers reject them at the database level as a second line of defense.
type AuditRepository struct {
	db *pgxpool.Pool
}

// NewAuditRepository creates a new PostgreSQL audit repository
func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

const auditColumns = `
	id, event_type, user_id, user_role,
	target_patient_id, resource_type, resource_id,
	action, description,
	data_accessed_fields, data_accessed_count, data_accessed_type,
	data_changes_before, data_changes_after, data_changes_fields,
	consent_verified, consent_id,
	is_emergency, emergency_reason, emergency_justification, emergency_approved_by,
	ip_address, user_agent, endpoint, method, request_id, session_id,
	event_timestamp, server_name, process_id, response_time_ns,
	is_security_event, threat_level, anomaly_detected, anomaly_details,
	gdpr_relevant, hipaa_relevant, data_breach, retention_period,
	signature_hash, signature_algorithm, erased_at`

// Insert persists a sealed record. A duplicate ID is a conflict, not an
// overwrite.
func (r *AuditRepository) Insert(ctx context.Context, rec *audit.Record) error {
	var changesBefore, changesAfter []byte
	var changedFields []string
	if rec.DataChanges != nil {
		var err error
		if changesBefore, err = marshalJSONB(rec.DataChanges.Before); err != nil {
			return domerrors.NewAuditWriteError("failed to marshal before snapshot").WithCause(err)
		}
		if changesAfter, err = marshalJSONB(rec.DataChanges.After); err != nil {
			return domerrors.NewAuditWriteError("failed to marshal after snapshot").WithCause(err)
		}
		changedFields = rec.DataChanges.Changes
	}

	var accessedFields []string
	var accessedCount *int
	var accessedType *string
	if rec.DataAccessed != nil {
		accessedFields = rec.DataAccessed.Fields
		accessedCount = &rec.DataAccessed.RecordCount
		accessedType = nullString(rec.DataAccessed.DataType)
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO audit_records (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
		        $31, $32, $33, $34, $35, $36, $37, $38, $39, $40, $41, $42)
	`,
		rec.ID, string(rec.EventType), rec.UserID, rec.UserRole,
		rec.TargetPatientID, nullString(rec.ResourceType), rec.ResourceID,
		rec.Action, rec.Description,
		pq.Array(accessedFields), accessedCount, accessedType,
		changesBefore, changesAfter, pq.Array(changedFields),
		rec.ConsentVerified, rec.ConsentID,
		rec.Emergency.IsEmergency, nullString(rec.Emergency.Reason),
		nullString(rec.Emergency.Justification), nilIfZeroUUID(rec.Emergency.ApprovedBy),
		rec.RequestDetails.IPAddress, rec.RequestDetails.UserAgent,
		rec.RequestDetails.Endpoint, rec.RequestDetails.Method,
		rec.RequestDetails.RequestID, nullString(rec.RequestDetails.SessionID),
		rec.SystemDetails.Timestamp, rec.SystemDetails.ServerName,
		rec.SystemDetails.ProcessID, int64(rec.SystemDetails.ResponseTime),
		rec.Security.IsSecurityEvent, string(rec.Security.ThreatLevel),
		rec.Security.AnomalyDetected, nullString(rec.Security.AnomalyDetails),
		rec.Compliance.GDPRRelevant, rec.Compliance.HIPAARelevant,
		rec.Compliance.DataBreach, rec.Compliance.RetentionPeriod,
		rec.Signature.Hash, rec.Signature.Algorithm, rec.ErasedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domerrors.NewConflictError("audit record already exists")
		}
		return domerrors.NewAuditWriteError("failed to insert audit record").WithCause(err)
	}
	return nil
}

// GetByID retrieves a single record.
func (r *AuditRepository) GetByID(ctx context.Context, id uuid.UUID) (*audit.Record, error) {
	row := r.db.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE id = $1`, id)
	rec, err := scanAuditRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domerrors.ErrRecordNotFound
		}
		return nil, domerrors.NewInternalError("failed to get audit record").WithCause(err)
	}
	return rec, nil
}

// FindByPatient lists records targeting a patient, newest first.
func (r *AuditRepository) FindByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+auditColumns+`
		FROM audit_records
		WHERE target_patient_id = $1
		ORDER BY event_timestamp DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, domerrors.NewInternalError("failed to query audit records").WithCause(err)
	}
	defer rows.Close()
	return collectAuditRecords(rows)
}

// FindSecurityEvents lists security-flagged records at or above the given
// threat level since the given time, newest first.
func (r *AuditRepository) FindSecurityEvents(ctx context.Context, minLevel audit.ThreatLevel, since time.Time, limit int) ([]*audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+auditColumns+`
		FROM audit_records
		WHERE is_security_event = TRUE
		  AND threat_level = ANY($1)
		  AND event_timestamp >= $2
		ORDER BY event_timestamp DESC
		LIMIT $3
	`, pq.Array(minLevel.AtOrAbove()), since, limit)
	if err != nil {
		return nil, domerrors.NewInternalError("failed to query security events").WithCause(err)
	}
	defer rows.Close()
	return collectAuditRecords(rows)
}

func collectAuditRecords(rows pgx.Rows) ([]*audit.Record, error) {
	var records []*audit.Record
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, domerrors.NewInternalError("failed to scan audit record").WithCause(err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domerrors.NewInternalError("error iterating audit records").WithCause(err)
	}
	return records, nil
}

func scanAuditRecord(row rowScanner) (*audit.Record, error) {
	var (
		rec            audit.Record
		eventType      string
		threatLevel    string
		resourceType   *string
		accessedFields []string
		accessedCount  *int
		accessedType   *string
		changesBefore  []byte
		changesAfter   []byte
		changedFields  []string
		emReason       *string
		emJust         *string
		emApprovedBy   *uuid.UUID
		sessionID      *string
		anomalyDetails *string
		responseTimeNS int64
	)
	err := row.Scan(
		&rec.ID, &eventType, &rec.UserID, &rec.UserRole,
		&rec.TargetPatientID, &resourceType, &rec.ResourceID,
		&rec.Action, &rec.Description,
		pq.Array(&accessedFields), &accessedCount, &accessedType,
		&changesBefore, &changesAfter, pq.Array(&changedFields),
		&rec.ConsentVerified, &rec.ConsentID,
		&rec.Emergency.IsEmergency, &emReason, &emJust, &emApprovedBy,
		&rec.RequestDetails.IPAddress, &rec.RequestDetails.UserAgent,
		&rec.RequestDetails.Endpoint, &rec.RequestDetails.Method,
		&rec.RequestDetails.RequestID, &sessionID,
		&rec.SystemDetails.Timestamp, &rec.SystemDetails.ServerName,
		&rec.SystemDetails.ProcessID, &responseTimeNS,
		&rec.Security.IsSecurityEvent, &threatLevel,
		&rec.Security.AnomalyDetected, &anomalyDetails,
		&rec.Compliance.GDPRRelevant, &rec.Compliance.HIPAARelevant,
		&rec.Compliance.DataBreach, &rec.Compliance.RetentionPeriod,
		&rec.Signature.Hash, &rec.Signature.Algorithm, &rec.ErasedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.EventType = audit.EventType(eventType)
	rec.Security.ThreatLevel = audit.ThreatLevel(threatLevel)
	rec.SystemDetails.ResponseTime = time.Duration(responseTimeNS)
	if resourceType != nil {
		rec.ResourceType = *resourceType
	}
	if sessionID != nil {
		rec.RequestDetails.SessionID = *sessionID
	}
	if anomalyDetails != nil {
		rec.Security.AnomalyDetails = *anomalyDetails
	}
	if emReason != nil {
		rec.Emergency.Reason = *emReason
	}
	if emJust != nil {
		rec.Emergency.Justification = *emJust
	}
	if emApprovedBy != nil {
		rec.Emergency.ApprovedBy = *emApprovedBy
	}

	if accessedCount != nil || accessedType != nil || len(accessedFields) > 0 {
		rec.DataAccessed = &audit.DataAccessed{Fields: accessedFields}
		if accessedCount != nil {
			rec.DataAccessed.RecordCount = *accessedCount
		}
		if accessedType != nil {
			rec.DataAccessed.DataType = *accessedType
		}
	}

	if len(changesBefore) > 0 || len(changesAfter) > 0 || len(changedFields) > 0 {
		rec.DataChanges = &audit.DataChanges{Changes: changedFields}
		if len(changesBefore) > 0 {
			if err := json.Unmarshal(changesBefore, &rec.DataChanges.Before); err != nil {
				return nil, err
			}
		}
		if len(changesAfter) > 0 {
			if err := json.Unmarshal(changesAfter, &rec.DataChanges.After); err != nil {
				return nil, err
			}
		}
	}

	return &rec, nil
}

func marshalJSONB(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
