package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caregrid/patient-records-backend/internal/domain/errors"
)

// Record is one immutable entry in the audit ledger. Once appended it is
// never updated or deleted; ErasedAt exists only to satisfy erasure requests
// and never removes the evidentiary content visible to auditors.
type Record struct {
	ID uuid.UUID `json:"id"`

	EventType EventType `json:"event_type"`

	// Actor. UserID is nil for system events; an absent role defaults to
	// "anonymous".
	UserID   *uuid.UUID `json:"user_id,omitempty"`
	UserRole string     `json:"user_role"`

	// Target. ResourceID is nil for search and aggregate events.
	TargetPatientID *uuid.UUID `json:"target_patient_id,omitempty"`
	ResourceType    string     `json:"resource_type"`
	ResourceID      *uuid.UUID `json:"resource_id,omitempty"`

	// Action is a short machine code; Description is human text.
	Action      string `json:"action"`
	Description string `json:"description"`

	DataAccessed *DataAccessed `json:"data_accessed,omitempty"`
	DataChanges  *DataChanges  `json:"data_changes,omitempty"`

	ConsentVerified bool       `json:"consent_verified"`
	ConsentID       *uuid.UUID `json:"consent_id,omitempty"`

	Emergency EmergencyDetails `json:"emergency_access"`

	RequestDetails RequestDetails `json:"request_details"`
	SystemDetails  SystemDetails  `json:"system_details"`

	Security   SecurityEvent `json:"security_event"`
	Compliance Compliance    `json:"compliance"`

	Signature Signature `json:"signature"`

	ErasedAt *time.Time `json:"erased_at,omitempty"`
}

// DataAccessed describes what a read touched.
type DataAccessed struct {
	Fields      []string `json:"fields,omitempty"`
	RecordCount int      `json:"record_count"`
	DataType    string   `json:"data_type,omitempty"`
}

// DataChanges captures before/after snapshots for mutations.
type DataChanges struct {
	Before  map[string]interface{} `json:"before,omitempty"`
	After   map[string]interface{} `json:"after,omitempty"`
	Changes []string               `json:"changes,omitempty"`
}

// EmergencyDetails mirrors the break-glass metadata onto the record.
type EmergencyDetails struct {
	IsEmergency   bool      `json:"is_emergency"`
	Reason        string    `json:"emergency_reason,omitempty"`
	Justification string    `json:"emergency_justification,omitempty"`
	ApprovedBy    uuid.UUID `json:"approved_by,omitempty"`
}

// RequestDetails carries the HTTP request metadata. SessionID is the only
// optional field.
type RequestDetails struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id,omitempty"`
}

// SystemDetails is filled in by the ledger at append time.
type SystemDetails struct {
	Timestamp    time.Time     `json:"timestamp"`
	ServerName   string        `json:"server_name"`
	ProcessID    int           `json:"process_id"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
}

// SecurityEvent grades the record for security monitoring.
type SecurityEvent struct {
	IsSecurityEvent bool        `json:"is_security_event"`
	ThreatLevel     ThreatLevel `json:"threat_level"`
	AnomalyDetected bool        `json:"anomaly_detected"`
	AnomalyDetails  string      `json:"anomaly_details,omitempty"`
}

// Compliance flags the record for regulatory reporting.
type Compliance struct {
	GDPRRelevant    bool `json:"gdpr_relevant"`
	HIPAARelevant   bool `json:"hipaa_relevant"`
	DataBreach      bool `json:"data_breach"`
	RetentionPeriod int  `json:"retention_period"`
}

// Signature is the per-record tamper-evidence digest. There is no cross-
// record hash chain: the source system's previousHash never linked records
// (it stored the record's own hash), so the field and the chaining claim are
// dropped rather than silently "fixed".
type Signature struct {
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm"`
}

const defaultRetentionDays = 2555 // 7 years

// NewRecord creates an audit record with validation. The ledger fills in
// system details and the signature at append time.
func NewRecord(eventType EventType, action, description string) (*Record, error) {
	if !eventType.IsValid() {
		return nil, errors.NewValidationError("INVALID_EVENT_TYPE",
			fmt.Sprintf("unknown event type: %s", eventType))
	}
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION", "action is required")
	}

	return &Record{
		ID:          uuid.New(),
		EventType:   eventType,
		UserRole:    "anonymous",
		Action:      action,
		Description: description,
		Security:    SecurityEvent{ThreatLevel: ThreatLow},
		Compliance:  Compliance{RetentionPeriod: defaultRetentionDays},
	}, nil
}

// Validate checks the record against the ledger's write contract.
func (r *Record) Validate() error {
	if !r.EventType.IsValid() {
		return errors.NewValidationError("INVALID_EVENT_TYPE",
			fmt.Sprintf("unknown event type: %s", r.EventType))
	}
	if r.Action == "" {
		return errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if !r.Security.ThreatLevel.IsValid() {
		return errors.NewValidationError("INVALID_THREAT_LEVEL",
			fmt.Sprintf("unknown threat level: %s", r.Security.ThreatLevel))
	}
	if r.RequestDetails.RequestID == "" {
		return errors.NewValidationError("MISSING_REQUEST_ID", "request ID is required")
	}
	if r.RequestDetails.IPAddress == "" || r.RequestDetails.UserAgent == "" ||
		r.RequestDetails.Endpoint == "" || r.RequestDetails.Method == "" {
		return errors.NewValidationError("MISSING_REQUEST_DETAILS",
			"ip address, user agent, endpoint and method are required")
	}
	if r.Compliance.RetentionPeriod <= 0 {
		return errors.NewValidationError("INVALID_RETENTION", "retention period must be positive")
	}
	return nil
}

// ComputeHash returns the SHA-256 digest over the canonical field subset.
// Recomputing it from a stored record must reproduce Signature.Hash exactly.
func (r *Record) ComputeHash() string {
	actorID := ""
	if r.UserID != nil {
		actorID = r.UserID.String()
	}
	hashData := map[string]interface{}{
		"event_type": string(r.EventType),
		"actor_id":   actorID,
		"action":     r.Action,
		"timestamp":  r.SystemDetails.Timestamp.UTC().UnixNano(),
		"request_id": r.RequestDetails.RequestID,
	}
	jsonBytes, err := json.Marshal(hashData)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(jsonBytes))
}

// Seal stamps the signature. Called by the ledger after system details are
// filled in, immediately before persisting.
func (r *Record) Seal() {
	r.Signature = Signature{
		Hash:      r.ComputeHash(),
		Algorithm: "SHA-256",
	}
}

// VerifySignature recomputes the canonical digest and compares it to the
// stored hash, exposing post-hoc alteration of any hashed field.
func (r *Record) VerifySignature() bool {
	return r.Signature.Hash != "" && r.Signature.Hash == r.ComputeHash()
}

// ActorID returns the actor id as a string, empty for system events.
func (r *Record) ActorID() string {
	if r.UserID == nil {
		return ""
	}
	return r.UserID.String()
}

// RetentionExpiry returns when the record leaves its retention window.
func (r *Record) RetentionExpiry() time.Time {
	return r.SystemDetails.Timestamp.AddDate(0, 0, r.Compliance.RetentionPeriod)
}
