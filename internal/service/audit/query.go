package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caregrid/patient-records-backend/internal/domain/audit"
)

// QueryService is the read side of the ledger: patient access history,
// security event review and tamper-evidence verification.
type QueryService struct {
	store  audit.Store
	logger *zap.Logger
}

// NewQueryService creates the read-side service.
func NewQueryService(store audit.Store, logger *zap.Logger) *QueryService {
	return &QueryService{store: store, logger: logger}
}

// GetRecord returns a single ledger record.
func (s *QueryService) GetRecord(ctx context.Context, id uuid.UUID) (*audit.Record, error) {
	return s.store.GetByID(ctx, id)
}

// PatientHistory lists the records targeting a patient, newest first.
func (s *QueryService) PatientHistory(ctx context.Context, patientID uuid.UUID, limit int) ([]*audit.Record, error) {
	return s.store.FindByPatient(ctx, patientID, limit)
}

// SecurityEvents lists security-flagged records at or above a threat level
// within the window.
func (s *QueryService) SecurityEvents(ctx context.Context, minLevel audit.ThreatLevel, since time.Time, limit int) ([]*audit.Record, error) {
	return s.store.FindSecurityEvents(ctx, minLevel, since, limit)
}

// IntegrityReport is the result of verifying a set of records.
type IntegrityReport struct {
	Checked    int         `json:"checked"`
	Tampered   int         `json:"tampered"`
	TamperedID []uuid.UUID `json:"tampered_ids,omitempty"`
}

// VerifyRecord recomputes the canonical digest of a stored record and
// compares it to the sealed hash.
func (s *QueryService) VerifyRecord(ctx context.Context, id uuid.UUID) (bool, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	ok := rec.VerifySignature()
	if !ok {
		s.logger.Error("audit record failed integrity check",
			zap.String("record_id", rec.ID.String()),
			zap.String("stored_hash", rec.Signature.Hash))
	}
	return ok, nil
}

// VerifyPatientHistory re-verifies every record in a patient's history and
// reports which ones no longer match their sealed hash.
func (s *QueryService) VerifyPatientHistory(ctx context.Context, patientID uuid.UUID, limit int) (*IntegrityReport, error) {
	records, err := s.store.FindByPatient(ctx, patientID, limit)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{Checked: len(records)}
	for _, rec := range records {
		if !rec.VerifySignature() {
			report.Tampered++
			report.TamperedID = append(report.TamperedID, rec.ID)
			s.logger.Error("audit record failed integrity check",
				zap.String("record_id", rec.ID.String()),
				zap.String("patient_id", patientID.String()))
		}
	}
	return report, nil
}
