package consent

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caregrid/patient-records-backend/internal/domain/audit"
	"github.com/caregrid/patient-records-backend/internal/domain/consent"
	"github.com/caregrid/patient-records-backend/internal/domain/errors"
	"github.com/caregrid/patient-records-backend/internal/metrics"
)

// Service manages the consent grant lifecycle: creation, limit updates,
// revocation and suspension. Every state change lands in the audit ledger.
type Service struct {
	store    consent.Store
	cache    GrantCache
	ledger   Ledger
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// NewService creates the grant lifecycle service. cache may be nil.
func NewService(store consent.Store, cache GrantCache, ledger Ledger, logger *zap.Logger, m *metrics.Registry) *Service {
	return &Service{
		store:    store,
		cache:    cache,
		ledger:   ledger,
		validate: validator.New(),
		logger:   logger,
		metrics:  m,
	}
}

// GrantRequest is the payload for creating a grant.
type GrantRequest struct {
	PatientID         uuid.UUID `json:"patient_id" validate:"required"`
	RecipientID       uuid.UUID `json:"recipient_id" validate:"required"`
	RecipientRole     string    `json:"recipient_role" validate:"required"`
	DataType          string    `json:"data_type" validate:"required"`
	Purpose           string    `json:"purpose" validate:"required"`
	ValidFrom         time.Time `json:"valid_from" validate:"required"`
	ValidUntil        time.Time `json:"valid_until" validate:"required,gtfield=ValidFrom"`
	MaxAccessCount    *int      `json:"max_access_count,omitempty" validate:"omitempty,min=1"`
	IPAddress         string    `json:"ip_address,omitempty" validate:"omitempty,ip"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`

	Request RequestMeta `json:"-"`
}

// UpdateRequest changes a grant's validity end and access cap.
type UpdateRequest struct {
	ValidUntil     time.Time `json:"valid_until" validate:"required"`
	MaxAccessCount *int      `json:"max_access_count,omitempty" validate:"omitempty,min=1"`

	Request RequestMeta `json:"-"`
}

// Grant creates a new consent grant on the patient's behalf. Patients may
// grant for themselves; administrators for anyone.
func (s *Service) Grant(ctx context.Context, actor consent.Principal, req GrantRequest) (*consent.Grant, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError("INVALID_GRANT_REQUEST", "grant request failed validation").WithCause(err)
	}
	if err := s.authorizeManage(actor, req.PatientID); err != nil {
		return nil, err
	}

	role, err := consent.ParseRole(req.RecipientRole)
	if err != nil {
		return nil, err
	}
	dataType, err := consent.ParseDataType(req.DataType)
	if err != nil {
		return nil, err
	}
	purpose, err := consent.ParsePurpose(req.Purpose)
	if err != nil {
		return nil, err
	}

	grant, err := consent.NewGrant(req.PatientID, req.RecipientID, role,
		dataType, purpose, req.ValidFrom, req.ValidUntil, req.MaxAccessCount, actor.ID)
	if err != nil {
		return nil, err
	}
	if req.IPAddress != "" || req.DeviceFingerprint != "" {
		grant.Limitations.IPAddress = req.IPAddress
		grant.Limitations.DeviceFingerprint = req.DeviceFingerprint
		grant.Sign()
	}

	if err := s.store.Create(ctx, grant); err != nil {
		return nil, err
	}
	s.invalidate(ctx, grant)

	s.logger.Info("consent granted",
		zap.String("grant_id", grant.ID.String()),
		zap.String("patient_id", grant.PatientID.String()),
		zap.String("recipient_id", grant.RecipientID.String()),
		zap.String("data_type", grant.DataType.String()),
		zap.String("purpose", grant.Purpose.String()))

	s.audit(ctx, audit.EventConsentGranted, "CONSENT_GRANTED",
		"consent grant created", actor, grant, req.Request, nil)
	return grant, nil
}

// Update changes the validity end and access cap of an active grant.
func (s *Service) Update(ctx context.Context, actor consent.Principal, grantID uuid.UUID, req UpdateRequest) (*consent.Grant, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError("INVALID_UPDATE_REQUEST", "update request failed validation").WithCause(err)
	}

	grant, err := s.store.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeManage(actor, grant.PatientID); err != nil {
		return nil, err
	}

	before := map[string]interface{}{
		"valid_until":      grant.ValidUntil,
		"max_access_count": grant.Limitations.MaxAccessCount,
	}
	if err := grant.UpdateLimits(req.ValidUntil, req.MaxAccessCount); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, grant); err != nil {
		return nil, err
	}
	s.invalidate(ctx, grant)

	s.audit(ctx, audit.EventUpdate, "CONSENT_UPDATED",
		"consent grant limits updated", actor, grant, req.Request, &audit.DataChanges{
			Before:  before,
			After:   map[string]interface{}{"valid_until": grant.ValidUntil, "max_access_count": grant.Limitations.MaxAccessCount},
			Changes: []string{"valid_until", "max_access_count"},
		})
	return grant, nil
}

// Revoke terminally revokes a grant. A reason is required.
func (s *Service) Revoke(ctx context.Context, actor consent.Principal, grantID uuid.UUID, reason string, meta RequestMeta) error {
	if reason == "" {
		return errors.NewValidationError("MISSING_REASON", "revocation reason is required")
	}

	grant, err := s.store.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	if err := s.authorizeManage(actor, grant.PatientID); err != nil {
		return err
	}

	if err := grant.Revoke(reason, actor.ID); err != nil {
		return err
	}
	if err := s.store.Update(ctx, grant); err != nil {
		return err
	}
	s.invalidate(ctx, grant)

	s.logger.Info("consent revoked",
		zap.String("grant_id", grant.ID.String()),
		zap.String("patient_id", grant.PatientID.String()),
		zap.String("reason", reason))

	s.audit(ctx, audit.EventConsentRevoked, "CONSENT_REVOKED",
		"consent grant revoked: "+reason, actor, grant, meta, nil)
	return nil
}

// Suspend pauses an active grant. Administrator only; reversible.
func (s *Service) Suspend(ctx context.Context, actor consent.Principal, grantID uuid.UUID, meta RequestMeta) error {
	if actor.Role != consent.RoleAdministrator {
		return errors.NewForbiddenError("only administrators may suspend grants")
	}

	grant, err := s.store.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	if err := grant.Suspend(); err != nil {
		return err
	}
	if err := s.store.Update(ctx, grant); err != nil {
		return err
	}
	s.invalidate(ctx, grant)

	s.audit(ctx, audit.EventUpdate, "CONSENT_SUSPENDED",
		"consent grant suspended", actor, grant, meta, nil)
	return nil
}

// Reinstate returns a suspended grant to active. Administrator only.
func (s *Service) Reinstate(ctx context.Context, actor consent.Principal, grantID uuid.UUID, meta RequestMeta) error {
	if actor.Role != consent.RoleAdministrator {
		return errors.NewForbiddenError("only administrators may reinstate grants")
	}

	grant, err := s.store.GetByID(ctx, grantID)
	if err != nil {
		return err
	}
	if err := grant.Reinstate(); err != nil {
		return err
	}
	if err := s.store.Update(ctx, grant); err != nil {
		return err
	}
	s.invalidate(ctx, grant)

	s.audit(ctx, audit.EventUpdate, "CONSENT_REINSTATED",
		"consent grant reinstated", actor, grant, meta, nil)
	return nil
}

// GetGrant fetches a grant visible to the actor: the patient it names,
// the recipient it names, or an administrator.
func (s *Service) GetGrant(ctx context.Context, actor consent.Principal, grantID uuid.UUID) (*consent.Grant, error) {
	grant, err := s.store.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if actor.Role != consent.RoleAdministrator &&
		!actor.IsSelf(grant.PatientID) && actor.ID != grant.RecipientID {
		return nil, errors.NewForbiddenError("not a party to this grant")
	}
	return grant, nil
}

// ListPatientGrants lists a patient's grants, optionally by status.
func (s *Service) ListPatientGrants(ctx context.Context, actor consent.Principal, patientID uuid.UUID, status *consent.Status) ([]*consent.Grant, error) {
	if err := s.authorizeManage(actor, patientID); err != nil {
		return nil, err
	}
	return s.store.FindByPatient(ctx, patientID, status)
}

// authorizeManage lets a patient act on their own grants and an
// administrator on anyone's.
func (s *Service) authorizeManage(actor consent.Principal, patientID uuid.UUID) error {
	if !actor.Role.CanManageGrant() {
		return errors.NewForbiddenError("role may not manage consent grants")
	}
	if actor.Role == consent.RolePatient && !actor.IsSelf(patientID) {
		return errors.NewForbiddenError("patients may only manage their own grants")
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, grant *consent.Grant) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, grant.PatientID, grant.RecipientID)
	}
}

func (s *Service) audit(ctx context.Context, eventType audit.EventType, action, description string, actor consent.Principal, grant *consent.Grant, meta RequestMeta, changes *audit.DataChanges) {
	rec, err := audit.NewRecord(eventType, action, description)
	if err != nil {
		s.logger.Error("failed to build audit record", zap.Error(err))
		return
	}

	actorID := actor.ID
	grantID := grant.ID
	patientID := grant.PatientID
	rec.UserID = &actorID
	rec.UserRole = actor.Role.String()
	rec.TargetPatientID = &patientID
	rec.ResourceType = "consent_grant"
	rec.ResourceID = &grantID
	rec.ConsentID = &grantID
	rec.DataChanges = changes
	rec.RequestDetails = meta.toRequestDetails()
	rec.Compliance.GDPRRelevant = true
	rec.Compliance.HIPAARelevant = true

	if err := s.ledger.Append(ctx, rec); err != nil {
		s.logger.Error("failed to append audit record", zap.Error(err))
	}
}
