package consent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caregrid/patient-records-backend/internal/domain/errors"
)

// Grant is one patient's authorization for one recipient to access one
// category of data for one purpose. Validity is always re-derived from the
// stored fields, never cached.
type Grant struct {
	ID            uuid.UUID `json:"id"`
	PatientID     uuid.UUID `json:"patient_id"`
	RecipientID   uuid.UUID `json:"recipient_id"`
	RecipientRole Role      `json:"recipient_role"`

	DataType DataType `json:"data_type"`
	Purpose  Purpose  `json:"purpose"`

	ValidFrom  time.Time `json:"valid_from"`
	ValidUntil time.Time `json:"valid_until"`

	Limitations Limitations `json:"limitations"`
	Status      Status      `json:"status"`

	GrantedBy uuid.UUID `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`

	RevokedBy        *uuid.UUID `json:"revoked_by,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`

	Emergency EmergencyAccess `json:"emergency_access"`

	// Version is bumped on every update.
	Version   int            `json:"version"`
	Signature GrantSignature `json:"signature"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Limitations bounds how a grant may be exercised.
type Limitations struct {
	// MaxAccessCount caps the number of granted accesses; nil means unlimited.
	MaxAccessCount *int `json:"max_access_count,omitempty"`
	// AccessCount is the number of accesses already granted.
	AccessCount int `json:"access_count"`
	// Optional pinning of the requesting client.
	IPAddress         string `json:"ip_address,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// EmergencyAccess marks a grant created or escalated via break-glass.
type EmergencyAccess struct {
	IsEmergency   bool      `json:"is_emergency"`
	Reason        string    `json:"emergency_reason,omitempty"`
	Justification string    `json:"emergency_justification,omitempty"`
	ApprovedBy    uuid.UUID `json:"approved_by,omitempty"`
}

// GrantSignature is a tamper-evidence digest over the grant's canonical
// fields. It detects post-hoc alteration; it is not a PKI signature.
type GrantSignature struct {
	Hash      string    `json:"hash"`
	Algorithm string    `json:"algorithm"`
	Timestamp time.Time `json:"timestamp"`
}

// Status represents the lifecycle state of a grant.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
	StatusSuspended Status = "suspended"
)

// IsValid reports whether the status belongs to the closed set.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusRevoked, StatusSuspended:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// DataType categorizes patient data. DataTypeAllRecords matches any
// requested category.
type DataType string

const (
	DataTypeDemographics   DataType = "demographics"
	DataTypeMedicalHistory DataType = "medical_history"
	DataTypeVisits         DataType = "visits"
	DataTypeMedications    DataType = "medications"
	DataTypeLabResults     DataType = "lab_results"
	DataTypePrescriptions  DataType = "prescriptions"
	DataTypeVitalSigns     DataType = "vital_signs"
	DataTypeAllRecords     DataType = "all_records"
)

func (d DataType) String() string {
	return string(d)
}

// Covers reports whether a grant for this data type satisfies a request for
// the given data type.
func (d DataType) Covers(requested DataType) bool {
	return d == DataTypeAllRecords || d == requested
}

// Purpose is the stated reason for access. PurposeTreatment acts as a
// catch-all: a treatment grant satisfies any requested purpose.
type Purpose string

const (
	PurposeTreatment        Purpose = "treatment"
	PurposeDiagnosis        Purpose = "diagnosis"
	PurposeEmergencyCare    Purpose = "emergency_care"
	PurposeFollowUp         Purpose = "follow_up"
	PurposeResearch         Purpose = "research"
	PurposeQualityAssurance Purpose = "quality_assurance"
	PurposeBilling          Purpose = "billing"
	PurposeLegalCompliance  Purpose = "legal_compliance"
)

func (p Purpose) String() string {
	return string(p)
}

// Satisfies reports whether a grant with this purpose covers a request for
// the given purpose.
func (p Purpose) Satisfies(requested Purpose) bool {
	return p == PurposeTreatment || p == requested
}

// NewGrant creates an active grant with validation. validUntil must be
// strictly in the future; maxAccessCount, when set, must be at least 1.
func NewGrant(patientID, recipientID uuid.UUID, recipientRole Role, dataType DataType, purpose Purpose, validFrom, validUntil time.Time, maxAccessCount *int, grantedBy uuid.UUID) (*Grant, error) {
	if patientID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_PATIENT", "patient ID is required")
	}
	if recipientID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_RECIPIENT", "recipient ID is required")
	}
	if err := ValidateRole(recipientRole); err != nil {
		return nil, err
	}
	if err := ValidateDataType(dataType); err != nil {
		return nil, err
	}
	if err := ValidatePurpose(purpose); err != nil {
		return nil, err
	}
	if validFrom.IsZero() || validUntil.IsZero() {
		return nil, errors.NewValidationError("MISSING_VALIDITY_WINDOW", "validFrom and validUntil are required")
	}
	if !validUntil.After(time.Now()) {
		return nil, errors.NewValidationError("NON_FUTURE_VALID_UNTIL", "validUntil must be in the future")
	}
	if validUntil.Before(validFrom) {
		return nil, errors.NewValidationError("INVERTED_VALIDITY_WINDOW", "validUntil must not precede validFrom")
	}
	if maxAccessCount != nil && *maxAccessCount < 1 {
		return nil, errors.NewValidationError("INVALID_ACCESS_LIMIT", "maxAccessCount must be at least 1")
	}

	now := time.Now().UTC()
	g := &Grant{
		ID:            uuid.New(),
		PatientID:     patientID,
		RecipientID:   recipientID,
		RecipientRole: recipientRole,
		DataType:      dataType,
		Purpose:       purpose,
		ValidFrom:     validFrom,
		ValidUntil:    validUntil,
		Limitations:   Limitations{MaxAccessCount: maxAccessCount},
		Status:        StatusActive,
		GrantedBy:     grantedBy,
		GrantedAt:     now,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	g.Sign()
	return g, nil
}

// IsValidAt derives the validity invariant at the given instant:
// active status, inside the validity window, and under the access cap.
func (g *Grant) IsValidAt(now time.Time) bool {
	if g.Status != StatusActive {
		return false
	}
	if now.Before(g.ValidFrom) || now.After(g.ValidUntil) {
		return false
	}
	if g.Limitations.MaxAccessCount != nil && g.Limitations.AccessCount >= *g.Limitations.MaxAccessCount {
		return false
	}
	return true
}

// ExpireIfPast applies lazy time-based expiry: an active grant observed past
// its validUntil becomes expired. Returns true when a transition happened.
func (g *Grant) ExpireIfPast(now time.Time) bool {
	if g.Status == StatusActive && now.After(g.ValidUntil) {
		g.Status = StatusExpired
		g.UpdatedAt = now.UTC()
		return true
	}
	return false
}

// Revoke transitions the grant to its terminal revoked state.
func (g *Grant) Revoke(reason string, actorID uuid.UUID) error {
	switch g.Status {
	case StatusRevoked:
		return errors.NewConflictError("grant already revoked")
	case StatusExpired:
		return errors.NewConflictError("grant already expired")
	}
	now := time.Now().UTC()
	g.Status = StatusRevoked
	g.RevokedBy = &actorID
	g.RevokedAt = &now
	g.RevocationReason = reason
	g.Version++
	g.UpdatedAt = now
	g.Sign()
	return nil
}

// Suspend moves an active grant to suspended. Reachable only via explicit
// administrative action; reversible with Reinstate.
func (g *Grant) Suspend() error {
	if g.Status != StatusActive {
		return errors.NewConflictError("only active grants can be suspended")
	}
	g.Status = StatusSuspended
	g.Version++
	g.UpdatedAt = time.Now().UTC()
	g.Sign()
	return nil
}

// Reinstate returns a suspended grant to active.
func (g *Grant) Reinstate() error {
	if g.Status != StatusSuspended {
		return errors.NewConflictError("only suspended grants can be reinstated")
	}
	g.Status = StatusActive
	g.Version++
	g.UpdatedAt = time.Now().UTC()
	g.Sign()
	return nil
}

// UpdateLimits changes the validity window end and the access cap of an
// active grant. The new validUntil must be in the future and the new cap,
// when set, must not already be exhausted.
func (g *Grant) UpdateLimits(validUntil time.Time, maxAccessCount *int) error {
	if g.Status != StatusActive {
		return errors.NewConflictError("only active grants can be updated")
	}
	if !validUntil.After(time.Now()) {
		return errors.NewValidationError("NON_FUTURE_VALID_UNTIL", "validUntil must be in the future")
	}
	if validUntil.Before(g.ValidFrom) {
		return errors.NewValidationError("INVERTED_VALIDITY_WINDOW", "validUntil must not precede validFrom")
	}
	if maxAccessCount != nil {
		if *maxAccessCount < 1 {
			return errors.NewValidationError("INVALID_ACCESS_LIMIT", "maxAccessCount must be at least 1")
		}
		if g.Limitations.AccessCount >= *maxAccessCount {
			return errors.NewValidationError("INVALID_ACCESS_LIMIT", "maxAccessCount must exceed the recorded access count")
		}
	}
	g.ValidUntil = validUntil
	g.Limitations.MaxAccessCount = maxAccessCount
	g.Version++
	g.UpdatedAt = time.Now().UTC()
	g.Sign()
	return nil
}

// MarkEmergency escalates an existing grant under break-glass.
func (g *Grant) MarkEmergency(reason, justification string, approvedBy uuid.UUID) {
	g.Emergency = EmergencyAccess{
		IsEmergency:   true,
		Reason:        reason,
		Justification: justification,
		ApprovedBy:    approvedBy,
	}
	g.Version++
	g.UpdatedAt = time.Now().UTC()
	g.Sign()
}

// Sign recomputes the tamper-evidence digest over the canonical fields.
func (g *Grant) Sign() {
	now := time.Now().UTC()
	g.Signature = GrantSignature{
		Hash:      g.computeHash(),
		Algorithm: "SHA-256",
		Timestamp: now,
	}
}

// VerifySignature recomputes the digest from the stored fields and compares
// it to the recorded hash.
func (g *Grant) VerifySignature() bool {
	return g.Signature.Hash == g.computeHash()
}

func (g *Grant) computeHash() string {
	// Deterministic JSON over the fields the signature covers. Map keys are
	// marshaled in sorted order, so the representation is stable.
	hashData := map[string]interface{}{
		"id":           g.ID.String(),
		"patient_id":   g.PatientID.String(),
		"recipient_id": g.RecipientID.String(),
		"data_type":    string(g.DataType),
		"purpose":      string(g.Purpose),
		"valid_from":   g.ValidFrom.UTC().UnixNano(),
		"valid_until":  g.ValidUntil.UTC().UnixNano(),
		"status":       string(g.Status),
		"version":      g.Version,
	}
	jsonBytes, err := json.Marshal(hashData)
	if err != nil {
		// Marshaling a map of strings and ints cannot fail.
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(jsonBytes))
}

// Validation helpers

func ValidateDataType(dataType DataType) error {
	switch dataType {
	case DataTypeDemographics, DataTypeMedicalHistory, DataTypeVisits,
		DataTypeMedications, DataTypeLabResults, DataTypePrescriptions,
		DataTypeVitalSigns, DataTypeAllRecords:
		return nil
	default:
		return errors.NewValidationError("INVALID_DATA_TYPE", fmt.Sprintf("invalid data type: %s", dataType))
	}
}

func ValidatePurpose(purpose Purpose) error {
	switch purpose {
	case PurposeTreatment, PurposeDiagnosis, PurposeEmergencyCare,
		PurposeFollowUp, PurposeResearch, PurposeQualityAssurance,
		PurposeBilling, PurposeLegalCompliance:
		return nil
	default:
		return errors.NewValidationError("INVALID_PURPOSE", fmt.Sprintf("invalid purpose: %s", purpose))
	}
}

func ValidateStatus(status Status) error {
	switch status {
	case StatusActive, StatusExpired, StatusRevoked, StatusSuspended:
		return nil
	default:
		return errors.NewValidationError("INVALID_STATUS", fmt.Sprintf("invalid status: %s", status))
	}
}

// ParseDataType parses a string into a DataType.
func ParseDataType(s string) (DataType, error) {
	dt := DataType(s)
	if err := ValidateDataType(dt); err != nil {
		return "", err
	}
	return dt, nil
}

// ParsePurpose parses a string into a Purpose.
func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(s)
	if err := ValidatePurpose(p); err != nil {
		return "", err
	}
	return p, nil
}
