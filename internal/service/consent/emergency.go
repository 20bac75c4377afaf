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
	"github.com/caregrid/patient-records-backend/internal/infrastructure/config"
	"github.com/caregrid/patient-records-backend/internal/metrics"
)

// EmergencyService implements break-glass access. A clinician who cannot
// wait for consent gets a time-boxed all_records grant flagged as
// emergency; the override always lands in the ledger as a high-threat
// security event, whether it created a new grant or escalated one.
type EmergencyService struct {
	store    consent.Store
	cache    GrantCache
	ledger   Ledger
	limiter  RateLimiter
	cfg      config.ConsentConfig
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// NewEmergencyService creates the break-glass service. cache and limiter
// may be nil; a nil limiter disables the per-caller budget.
func NewEmergencyService(store consent.Store, cache GrantCache, ledger Ledger, limiter RateLimiter, cfg config.ConsentConfig, logger *zap.Logger, m *metrics.Registry) *EmergencyService {
	if cfg.EmergencyGrantDuration <= 0 {
		cfg.EmergencyGrantDuration = 24 * time.Hour
	}
	return &EmergencyService{
		store:    store,
		cache:    cache,
		ledger:   ledger,
		limiter:  limiter,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		metrics:  m,
	}
}

// OverrideRequest is the break-glass payload. Reason and justification
// are both mandatory: the reason is the short clinical category, the
// justification the free-text account reviewers will read.
type OverrideRequest struct {
	PatientID     uuid.UUID `json:"patient_id" validate:"required"`
	Reason        string    `json:"reason" validate:"required"`
	Justification string    `json:"justification" validate:"required,min=10"`

	Request RequestMeta `json:"-"`
}

// Override grants the caller emergency access to the patient's full
// record for the configured duration. An existing valid all_records
// grant is escalated in place; otherwise a new emergency grant is
// created. Concurrent overrides converge on one grant.
func (s *EmergencyService) Override(ctx context.Context, actor consent.Principal, req OverrideRequest) (*consent.Grant, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.NewValidationError("INVALID_OVERRIDE_REQUEST", "override request failed validation").WithCause(err)
	}
	if !actor.Role.CanInvokeEmergencyOverride() {
		s.auditDenied(ctx, actor, req, "role may not break glass")
		return nil, errors.NewForbiddenError("role may not invoke emergency override")
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, "emergency:"+actor.ID.String(),
			s.cfg.EmergencyRatePerDay, 24*time.Hour)
		if err != nil {
			// Fail open on limiter trouble: blocking emergency care on a
			// cache outage is the worse failure mode. The audit trail
			// still captures every override.
			s.logger.Error("emergency rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			s.auditDenied(ctx, actor, req, "emergency override budget exhausted")
			return nil, errors.NewForbiddenError("emergency override limit reached for today")
		}
	}

	grant, err := s.obtainGrant(ctx, actor, req)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, req.PatientID, actor.ID)
	}
	s.metrics.EmergencyCounter.Add(ctx, 1)

	s.logger.Warn("emergency override granted",
		zap.String("grant_id", grant.ID.String()),
		zap.String("patient_id", req.PatientID.String()),
		zap.String("actor_id", actor.ID.String()),
		zap.String("role", actor.Role.String()),
		zap.String("reason", req.Reason))

	s.auditGranted(ctx, actor, req, grant)
	return grant, nil
}

func (s *EmergencyService) obtainGrant(ctx context.Context, actor consent.Principal, req OverrideRequest) (*consent.Grant, error) {
	now := time.Now()

	existing, err := s.store.FindActive(ctx, req.PatientID, actor.ID, consent.DataTypeAllRecords)
	if err == nil {
		if existing.IsValidAt(now) {
			existing.MarkEmergency(req.Reason, req.Justification, actor.ID)
			if err := s.store.Update(ctx, existing); err != nil {
				return nil, err
			}
			return existing, nil
		}
		// The candidate is spent; lazily expire it so a fresh emergency
		// grant can take its place.
		if existing.ExpireIfPast(now) {
			existing.Version++
			existing.Sign()
			if err := s.store.Update(ctx, existing); err != nil && !errors.IsConflict(err) {
				return nil, err
			}
		}
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	grant, err := consent.NewGrant(req.PatientID, actor.ID, actor.Role,
		consent.DataTypeAllRecords, consent.PurposeEmergencyCare,
		now, now.Add(s.cfg.EmergencyGrantDuration), nil, actor.ID)
	if err != nil {
		return nil, err
	}
	grant.MarkEmergency(req.Reason, req.Justification, actor.ID)

	if err := s.store.Create(ctx, grant); err != nil {
		if errors.IsConflict(err) {
			// A concurrent override won the insert race; use its grant.
			return s.store.FindActive(ctx, req.PatientID, actor.ID, consent.DataTypeAllRecords)
		}
		return nil, err
	}
	return grant, nil
}

func (s *EmergencyService) auditGranted(ctx context.Context, actor consent.Principal, req OverrideRequest, grant *consent.Grant) {
	rec, err := audit.NewRecord(audit.EventEmergencyAccess,
		audit.ActionEmergencyGranted, "break-glass access granted: "+req.Reason)
	if err != nil {
		s.logger.Error("failed to build audit record", zap.Error(err))
		return
	}

	actorID := actor.ID
	patientID := req.PatientID
	grantID := grant.ID
	rec.UserID = &actorID
	rec.UserRole = actor.Role.String()
	rec.TargetPatientID = &patientID
	rec.ResourceType = "consent_grant"
	rec.ResourceID = &grantID
	rec.ConsentID = &grantID
	rec.Emergency = audit.EmergencyDetails{
		IsEmergency:   true,
		Reason:        req.Reason,
		Justification: req.Justification,
		ApprovedBy:    actor.ID,
	}
	rec.Security = audit.SecurityEvent{
		IsSecurityEvent: true,
		ThreatLevel:     audit.ThreatHigh,
	}
	rec.RequestDetails = req.Request.toRequestDetails()
	rec.Compliance.GDPRRelevant = true
	rec.Compliance.HIPAARelevant = true

	if err := s.ledger.Append(ctx, rec); err != nil {
		s.logger.Error("failed to append audit record", zap.Error(err))
	}
}

func (s *EmergencyService) auditDenied(ctx context.Context, actor consent.Principal, req OverrideRequest, why string) {
	rec, err := audit.NewRecord(audit.EventEmergencyAccess,
		audit.ActionConsentViolation, "break-glass denied: "+why)
	if err != nil {
		s.logger.Error("failed to build audit record", zap.Error(err))
		return
	}

	actorID := actor.ID
	patientID := req.PatientID
	rec.UserID = &actorID
	rec.UserRole = actor.Role.String()
	rec.TargetPatientID = &patientID
	rec.ResourceType = "consent_grant"
	rec.Security = audit.SecurityEvent{
		IsSecurityEvent: true,
		ThreatLevel:     audit.ThreatMedium,
	}
	rec.RequestDetails = req.Request.toRequestDetails()
	rec.Compliance.GDPRRelevant = true
	rec.Compliance.HIPAARelevant = true

	if err := s.ledger.Append(ctx, rec); err != nil {
		s.logger.Error("failed to append audit record", zap.Error(err))
	}
}
