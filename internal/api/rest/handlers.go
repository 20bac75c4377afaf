package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caregrid/patient-records-backend/internal/api/middleware"
	"github.com/caregrid/patient-records-backend/internal/domain/audit"
	"github.com/caregrid/patient-records-backend/internal/domain/consent"
	"github.com/caregrid/patient-records-backend/internal/domain/errors"
	auditsvc "github.com/caregrid/patient-records-backend/internal/service/audit"
	consentsvc "github.com/caregrid/patient-records-backend/internal/service/consent"
)

// ConsentAPI is the consent lifecycle surface the handlers call.
type ConsentAPI interface {
	Grant(ctx context.Context, actor consent.Principal, req consentsvc.GrantRequest) (*consent.Grant, error)
	Update(ctx context.Context, actor consent.Principal, grantID uuid.UUID, req consentsvc.UpdateRequest) (*consent.Grant, error)
	Revoke(ctx context.Context, actor consent.Principal, grantID uuid.UUID, reason string, meta consentsvc.RequestMeta) error
	Suspend(ctx context.Context, actor consent.Principal, grantID uuid.UUID, meta consentsvc.RequestMeta) error
	Reinstate(ctx context.Context, actor consent.Principal, grantID uuid.UUID, meta consentsvc.RequestMeta) error
	GetGrant(ctx context.Context, actor consent.Principal, grantID uuid.UUID) (*consent.Grant, error)
	ListPatientGrants(ctx context.Context, actor consent.Principal, patientID uuid.UUID, status *consent.Status) ([]*consent.Grant, error)
}

// EmergencyAPI is the break-glass surface.
type EmergencyAPI interface {
	Override(ctx context.Context, actor consent.Principal, req consentsvc.OverrideRequest) (*consent.Grant, error)
}

// AuditAPI is the auditor read surface.
type AuditAPI interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*audit.Record, error)
	PatientHistory(ctx context.Context, patientID uuid.UUID, limit int) ([]*audit.Record, error)
	SecurityEvents(ctx context.Context, minLevel audit.ThreatLevel, since time.Time, limit int) ([]*audit.Record, error)
	VerifyRecord(ctx context.Context, id uuid.UUID) (bool, error)
	VerifyPatientHistory(ctx context.Context, patientID uuid.UUID, limit int) (*auditsvc.IntegrityReport, error)
}

// Handlers exposes the consent, emergency and audit services over HTTP.
type Handlers struct {
	consents  ConsentAPI
	emergency EmergencyAPI
	auditor   AuditAPI
	logger    *zap.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(consents ConsentAPI, emergency EmergencyAPI, auditor AuditAPI, logger *zap.Logger) *Handlers {
	return &Handlers{consents: consents, emergency: emergency, auditor: auditor, logger: logger}
}

// RegisterRoutes mounts every endpoint on the mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.health)

	mux.HandleFunc("POST /api/v1/consents", h.createGrant)
	mux.HandleFunc("GET /api/v1/consents/{id}", h.getGrant)
	mux.HandleFunc("PATCH /api/v1/consents/{id}", h.updateGrant)
	mux.HandleFunc("POST /api/v1/consents/{id}/revoke", h.revokeGrant)
	mux.HandleFunc("POST /api/v1/consents/{id}/suspend", h.suspendGrant)
	mux.HandleFunc("POST /api/v1/consents/{id}/reinstate", h.reinstateGrant)
	mux.HandleFunc("GET /api/v1/patients/{patientID}/consents", h.listPatientGrants)

	mux.HandleFunc("POST /api/v1/emergency-access", h.emergencyOverride)

	mux.HandleFunc("GET /api/v1/audit/records/{id}", h.getAuditRecord)
	mux.HandleFunc("GET /api/v1/audit/records/{id}/verify", h.verifyAuditRecord)
	mux.HandleFunc("GET /api/v1/audit/security-events", h.securityEvents)
	mux.HandleFunc("GET /api/v1/patients/{patientID}/audit-trail", h.patientAuditTrail)
	mux.HandleFunc("GET /api/v1/patients/{patientID}/audit-trail/integrity", h.patientAuditIntegrity)
}

func (h *Handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) createGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}

	var req consentsvc.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_BODY", "malformed request body"))
		return
	}
	req.Request = middleware.ExtractRequestMeta(r)

	grant, err := h.consents.Grant(r.Context(), actor, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (h *Handlers) getGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}
	grantID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_ID", "malformed grant id"))
		return
	}

	grant, err := h.consents.GetGrant(r.Context(), actor, grantID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (h *Handlers) updateGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}
	grantID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_ID", "malformed grant id"))
		return
	}

	var req consentsvc.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_BODY", "malformed request body"))
		return
	}
	req.Request = middleware.ExtractRequestMeta(r)

	grant, err := h.consents.Update(r.Context(), actor, grantID, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (h *Handlers) revokeGrant(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}
	grantID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_ID", "malformed grant id"))
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_BODY", "malformed request body"))
		return
	}

	if err := h.consents.Revoke(r.Context(), actor, grantID, body.Reason, middleware.ExtractRequestMeta(r)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handlers) suspendGrant(w http.ResponseWriter, r *http.Request) {
	h.adminGrantAction(w, r, h.consents.Suspend, "suspended")
}

func (h *Handlers) reinstateGrant(w http.ResponseWriter, r *http.Request) {
	h.adminGrantAction(w, r, h.consents.Reinstate, "reinstated")
}

func (h *Handlers) adminGrantAction(w http.ResponseWriter, r *http.Request, action func(context.Context, consent.Principal, uuid.UUID, consentsvc.RequestMeta) error, done string) {
	actor, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}
	grantID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_ID", "malformed grant id"))
		return
	}

	if err := action(r.Context(), actor, grantID, middleware.ExtractRequestMeta(r)); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": done})
}

func (h *Handlers) listPatientGrants(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}
	patientID, err := uuid.Parse(r.PathValue("patientID"))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_ID", "malformed patient id"))
		return
	}

	var status *consent.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := consent.Status(raw)
		if !s.IsValid() {
			writeError(w, h.logger, errors.NewValidationError("INVALID_STATUS", "unknown grant status"))
			return
		}
		status = &s
	}

	grants, err := h.consents.ListPatientGrants(r.Context(), actor, patientID, status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, grants)
}

func (h *Handlers) emergencyOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}

	var req consentsvc.OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_BODY", "malformed request body"))
		return
	}
	req.Request = middleware.ExtractRequestMeta(r)

	grant, err := h.emergency.Override(r.Context(), actor, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

// requireAuditor gates the audit read surface. Patients see their own trail
// through patientAuditTrail; everything else is administrator-only.
func (h *Handlers) requireAuditor(w http.ResponseWriter, r *http.Request) (consent.Principal, bool) {
	actor, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return consent.Principal{}, false
	}
	if actor.Role != consent.RoleAdministrator {
		writeError(w, h.logger, errors.NewForbiddenError("audit access is restricted to administrators"))
		return consent.Principal{}, false
	}
	return actor, true
}

func (h *Handlers) getAuditRecord(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuditor(w, r); !ok {
		return
	}
	recordID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_ID", "malformed record id"))
		return
	}

	record, err := h.auditor.GetRecord(r.Context(), recordID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handlers) verifyAuditRecord(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuditor(w, r); !ok {
		return
	}
	recordID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_ID", "malformed record id"))
		return
	}

	intact, err := h.auditor.VerifyRecord(r.Context(), recordID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"intact": intact})
}

func (h *Handlers) securityEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuditor(w, r); !ok {
		return
	}

	minLevel := audit.ThreatMedium
	if raw := r.URL.Query().Get("min_level"); raw != "" {
		minLevel = audit.ThreatLevel(raw)
		if !minLevel.IsValid() {
			writeError(w, h.logger, errors.NewValidationError("INVALID_THREAT_LEVEL", "unknown threat level"))
			return
		}
	}

	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, h.logger, errors.NewValidationError("INVALID_SINCE", "since must be RFC3339"))
			return
		}
		since = parsed
	}

	records, err := h.auditor.SecurityEvents(r.Context(), minLevel, since, queryLimit(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) patientAuditTrail(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthenticated(w)
		return
	}
	patientID, err := uuid.Parse(r.PathValue("patientID"))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_ID", "malformed patient id"))
		return
	}
	// Patients may read their own access history.
	if actor.Role != consent.RoleAdministrator && !actor.IsSelf(patientID) {
		writeError(w, h.logger, errors.NewForbiddenError("not permitted to read this audit trail"))
		return
	}

	records, err := h.auditor.PatientHistory(r.Context(), patientID, queryLimit(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) patientAuditIntegrity(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireAuditor(w, r); !ok {
		return
	}
	patientID, err := uuid.Parse(r.PathValue("patientID"))
	if err != nil {
		writeError(w, h.logger, errors.NewValidationError("INVALID_ID", "malformed patient id"))
		return
	}

	report, err := h.auditor.VerifyPatientHistory(r.Context(), patientID, queryLimit(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
