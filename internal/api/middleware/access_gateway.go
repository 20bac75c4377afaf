package middleware

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/caregrid/patient-records-backend/internal/domain/audit"
	"github.com/caregrid/patient-records-backend/internal/domain/consent"
	"github.com/caregrid/patient-records-backend/internal/domain/errors"
	"github.com/caregrid/patient-records-backend/internal/metrics"
	consentsvc "github.com/caregrid/patient-records-backend/internal/service/consent"
)

// ConsentChecker answers whether a recipient may access a patient's data.
// *consent.Evaluator satisfies it.
type ConsentChecker interface {
	Check(ctx context.Context, recipientID, patientID uuid.UUID, dataType consent.DataType, purpose consent.Purpose) (*consentsvc.Decision, error)
}

// Ledger receives one audit record per patient-scoped request.
type Ledger interface {
	Append(ctx context.Context, record *audit.Record) error
}

// AccessGateway guards every patient-scoped route. Each request resolves to
// exactly one outcome — admin bypass, patient self-access, consent-verified
// access, or denial — and exactly one audit record.
type AccessGateway struct {
	checker ConsentChecker
	ledger  Ledger
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
}

// NewAccessGateway creates the consent gateway middleware.
func NewAccessGateway(checker ConsentChecker, ledger Ledger, logger *zap.Logger, reg *metrics.Registry) *AccessGateway {
	return &AccessGateway{
		checker: checker,
		ledger:  ledger,
		logger:  logger,
		metrics: reg,
		tracer:  otel.Tracer("api.access_gateway"),
	}
}

// dataTypeRoutes maps route segments under a patient resource to data
// categories. Longest prefix first so /vital-signs wins over /vitals.
var dataTypeRoutes = []struct {
	prefix   string
	dataType consent.DataType
}{
	{"/medical-history", consent.DataTypeMedicalHistory},
	{"/demographics", consent.DataTypeDemographics},
	{"/prescriptions", consent.DataTypePrescriptions},
	{"/vital-signs", consent.DataTypeVitalSigns},
	{"/medications", consent.DataTypeMedications},
	{"/lab-results", consent.DataTypeLabResults},
	{"/vitals", consent.DataTypeVitalSigns},
	{"/visits", consent.DataTypeVisits},
}

// Middleware guards patient-scoped routes. Routes without a patient segment
// pass through untouched.
func (g *AccessGateway) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			patientID, rest, ok := patientScope(r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			g.handle(w, r, next, patientID, rest)
		})
	}
}

func (g *AccessGateway) handle(w http.ResponseWriter, r *http.Request, next http.Handler, patientID uuid.UUID, rest string) {
	ctx, span := g.tracer.Start(r.Context(), "AccessGateway",
		trace.WithAttributes(attribute.String("patient_id", patientID.String())),
	)
	defer span.End()

	principal, ok := PrincipalFrom(ctx)
	if !ok {
		writeError(w, &errors.AppError{
			Type:    errors.ErrorTypeForbidden,
			Code:    "UNAUTHENTICATED",
			Message: "authentication required",
		}, http.StatusUnauthorized)
		return
	}

	meta := ExtractRequestMeta(r)
	ctx = context.WithValue(ctx, requestIDKey, meta.RequestID)

	dataType := resolveDataType(rest)
	purpose, err := resolvePurpose(r, rest)
	if err != nil {
		writeError(w, err, errors.GetStatusCode(err))
		return
	}
	span.SetAttributes(
		attribute.String("data_type", string(dataType)),
		attribute.String("purpose", string(purpose)),
	)

	switch {
	case principal.Role.BypassesConsent():
		g.metrics.BypassCounter.Add(ctx, 1)
		g.logger.Info("administrator consent bypass",
			zap.String("admin_id", principal.ID.String()),
			zap.String("patient_id", patientID.String()),
			zap.String("endpoint", meta.Endpoint),
		)
		record := g.record(r, principal, patientID, dataType, audit.ActionConsentBypass,
			"administrator accessed patient data without consent evaluation", meta)
		record.Security = audit.SecurityEvent{IsSecurityEvent: true, ThreatLevel: audit.ThreatMedium}
		g.serve(w, r.WithContext(ctx), next, record)

	case principal.IsSelf(patientID):
		g.metrics.SelfAccessCounter.Add(ctx, 1)
		record := g.record(r, principal, patientID, dataType, audit.ActionSelfAccess,
			"patient accessed their own records", meta)
		g.serve(w, r.WithContext(ctx), next, record)

	default:
		decision, err := g.checker.Check(ctx, principal.ID, patientID, dataType, purpose)
		if err != nil {
			g.logger.Error("consent check failed",
				zap.String("patient_id", patientID.String()),
				zap.String("recipient_id", principal.ID.String()),
				zap.Error(err),
			)
			writeError(w, errors.NewInternalError("consent check failed"), http.StatusInternalServerError)
			return
		}
		if !decision.Allowed {
			g.deny(w, r, principal, patientID, dataType, purpose, decision.Reason, meta)
			return
		}

		grant := decision.Grant
		ctx = context.WithValue(ctx, consentVerifiedKey, true)
		ctx = context.WithValue(ctx, consentIDKey, grant.ID)
		ctx = context.WithValue(ctx, emergencyAccessKey, grant.Emergency.IsEmergency)

		record := g.record(r, principal, patientID, dataType, audit.ActionConsentVerifiedAccess,
			"access authorized by patient consent", meta)
		record.ConsentVerified = true
		consentID := grant.ID
		record.ConsentID = &consentID
		if grant.Emergency.IsEmergency {
			record.Emergency = audit.EmergencyDetails{
				IsEmergency:   true,
				Reason:        grant.Emergency.Reason,
				Justification: grant.Emergency.Justification,
				ApprovedBy:    grant.Emergency.ApprovedBy,
			}
		}
		g.serve(w, r.WithContext(ctx), next, record)
	}
}

// serve runs the protected handler and appends the audit record with the
// observed response time.
func (g *AccessGateway) serve(w http.ResponseWriter, r *http.Request, next http.Handler, record *audit.Record) {
	start := time.Now()
	next.ServeHTTP(w, r)
	record.SystemDetails.ResponseTime = time.Since(start)
	g.append(r.Context(), record)
}

func (g *AccessGateway) deny(w http.ResponseWriter, r *http.Request, principal consent.Principal, patientID uuid.UUID, dataType consent.DataType, purpose consent.Purpose, reason string, meta consentsvc.RequestMeta) {
	ctx := r.Context()
	g.metrics.ViolationCounter.Add(ctx, 1)
	g.logger.Warn("access denied by consent gateway",
		zap.String("patient_id", patientID.String()),
		zap.String("recipient_id", principal.ID.String()),
		zap.String("data_type", string(dataType)),
		zap.String("reason", reason),
	)

	record := g.record(r, principal, patientID, dataType, audit.ActionConsentViolation,
		"access attempted without valid consent: "+reason, meta)
	record.Security = audit.SecurityEvent{
		IsSecurityEvent: true,
		ThreatLevel:     audit.ThreatMedium,
		AnomalyDetected: true,
		AnomalyDetails:  reason,
	}
	g.append(ctx, record)

	writeError(w, errors.NewConsentDeniedError(string(dataType), string(purpose)), http.StatusForbidden)
}

// record builds the audit record common to every gateway outcome.
func (g *AccessGateway) record(r *http.Request, principal consent.Principal, patientID uuid.UUID, dataType consent.DataType, action, description string, meta consentsvc.RequestMeta) *audit.Record {
	rec, err := audit.NewRecord(eventTypeFor(r.Method), action, description)
	if err != nil {
		// Both inputs are compile-time constants; NewRecord cannot fail here.
		rec = &audit.Record{ID: uuid.New(), EventType: audit.EventRead, Action: action, Description: description}
	}
	actorID := principal.ID
	targetID := patientID
	rec.UserID = &actorID
	rec.UserRole = string(principal.Role)
	rec.TargetPatientID = &targetID
	rec.ResourceType = "patient_record"
	rec.DataAccessed = &audit.DataAccessed{DataType: string(dataType), RecordCount: 1}
	rec.RequestDetails = audit.RequestDetails{
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Endpoint:  meta.Endpoint,
		Method:    meta.Method,
		RequestID: meta.RequestID,
		SessionID: meta.SessionID,
	}
	rec.Compliance.GDPRRelevant = true
	rec.Compliance.HIPAARelevant = true
	return rec
}

func (g *AccessGateway) append(ctx context.Context, record *audit.Record) {
	if err := g.ledger.Append(ctx, record); err != nil {
		g.logger.Error("audit append rejected", zap.String("action", record.Action), zap.Error(err))
	}
}

// patientScope extracts the patient ID from paths shaped like
// .../patients/{id}[/...]. ok is false for routes without a patient segment.
func patientScope(path string) (uuid.UUID, string, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if !strings.EqualFold(seg, "patients") || i+1 >= len(segments) {
			continue
		}
		id, err := uuid.Parse(segments[i+1])
		if err != nil {
			continue
		}
		rest := ""
		if i+2 < len(segments) {
			rest = "/" + strings.Join(segments[i+2:], "/")
		}
		return id, rest, true
	}
	return uuid.Nil, "", false
}

// resolveDataType maps the sub-resource path to a data category. Unmapped
// paths request the broadest category so an over-narrow mapping can never
// widen access.
func resolveDataType(rest string) consent.DataType {
	rest = strings.ToLower(rest)
	for _, route := range dataTypeRoutes {
		if strings.HasPrefix(rest, route.prefix) {
			return route.dataType
		}
	}
	return consent.DataTypeAllRecords
}

// purposeRoutes maps path fragments to the inferred access purpose. Substring
// match, so /lab-results hits /lab-result and /prescriptions hits
// /prescription.
var purposeRoutes = []struct {
	fragment string
	purpose  consent.Purpose
}{
	{"/emergency", consent.PurposeEmergencyCare},
	{"/treatment", consent.PurposeTreatment},
	{"/prescription", consent.PurposeTreatment},
	{"/diagnosis", consent.PurposeDiagnosis},
	{"/lab-result", consent.PurposeDiagnosis},
	{"/follow-up", consent.PurposeFollowUp},
}

// resolvePurpose determines the access purpose. An explicit purpose query
// parameter wins; otherwise the purpose is inferred from the path, defaulting
// to treatment.
func resolvePurpose(r *http.Request, rest string) (consent.Purpose, error) {
	if raw := r.URL.Query().Get("purpose"); raw != "" {
		return consent.ParsePurpose(raw)
	}
	rest = strings.ToLower(rest)
	for _, route := range purposeRoutes {
		if strings.Contains(rest, route.fragment) {
			return route.purpose, nil
		}
	}
	return consent.PurposeTreatment, nil
}

func eventTypeFor(method string) audit.EventType {
	switch method {
	case http.MethodPost:
		return audit.EventCreate
	case http.MethodPut, http.MethodPatch:
		return audit.EventUpdate
	case http.MethodDelete:
		return audit.EventDelete
	}
	return audit.EventRead
}

// ExtractRequestMeta extracts audit-grade request metadata. Every field the
// ledger validates gets a fallback so a sparse client cannot suppress its own
// audit trail.
func ExtractRequestMeta(r *http.Request) consentsvc.RequestMeta {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	userAgent := r.UserAgent()
	if userAgent == "" {
		userAgent = "unknown"
	}
	return consentsvc.RequestMeta{
		IPAddress: clientIP(r),
		UserAgent: userAgent,
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		RequestID: requestID,
		SessionID: r.Header.Get("X-Session-ID"),
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorResponse struct {
	Success  bool                   `json:"success"`
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	DataType string                 `json:"data_type,omitempty"`
	Purpose  string                 `json:"purpose,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error, status int) {
	resp := errorResponse{Success: false, Code: "INTERNAL_ERROR", Message: err.Error()}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		resp.Code = appErr.Code
		resp.Message = appErr.Message
		resp.Details = appErr.Details
		// Consent denials carry the denied scope as top-level fields so
		// consumers need not dig into details.
		if appErr.Type == errors.ErrorTypeConsentDenied {
			resp.DataType, _ = appErr.Details["data_type"].(string)
			resp.Purpose, _ = appErr.Details["purpose"].(string)
			resp.Details = nil
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
