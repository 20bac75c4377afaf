package audit

// EventType represents the category of a security-relevant event.
type EventType string

const (
	EventCreate          EventType = "CREATE"
	EventRead            EventType = "READ"
	EventUpdate          EventType = "UPDATE"
	EventDelete          EventType = "DELETE"
	EventLogin           EventType = "LOGIN"
	EventLogout          EventType = "LOGOUT"
	EventConsentGranted  EventType = "CONSENT_GRANTED"
	EventConsentRevoked  EventType = "CONSENT_REVOKED"
	EventEmergencyAccess EventType = "EMERGENCY_ACCESS"
	EventDataExport      EventType = "DATA_EXPORT"
	EventPasswordChange  EventType = "PASSWORD_CHANGE"
	EventRoleChange      EventType = "ROLE_CHANGE"
	EventSystemError     EventType = "SYSTEM_ERROR"
)

// String returns the string representation of the event type
func (t EventType) String() string {
	return string(t)
}

// ValidEventTypes is the closed set of event types accepted by the ledger.
var ValidEventTypes = []EventType{
	EventCreate, EventRead, EventUpdate, EventDelete,
	EventLogin, EventLogout,
	EventConsentGranted, EventConsentRevoked, EventEmergencyAccess,
	EventDataExport, EventPasswordChange, EventRoleChange, EventSystemError,
}

// IsValid reports whether the event type belongs to the closed set.
func (t EventType) IsValid() bool {
	for _, v := range ValidEventTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ThreatLevel grades the security relevance of an audit record.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// String returns the string representation of the threat level
func (l ThreatLevel) String() string {
	return string(l)
}

// Severity orders threat levels for at-or-above filtering. Unknown levels
// rank below low.
func (l ThreatLevel) Severity() int {
	switch l {
	case ThreatLow:
		return 1
	case ThreatMedium:
		return 2
	case ThreatHigh:
		return 3
	case ThreatCritical:
		return 4
	}
	return 0
}

// AtOrAbove returns the threat levels with severity >= l.
func (l ThreatLevel) AtOrAbove() []string {
	var levels []string
	for _, candidate := range []ThreatLevel{ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical} {
		if candidate.Severity() >= l.Severity() {
			levels = append(levels, string(candidate))
		}
	}
	return levels
}

// IsValid reports whether the threat level belongs to the closed set.
func (l ThreatLevel) IsValid() bool {
	switch l {
	case ThreatLow, ThreatMedium, ThreatHigh, ThreatCritical:
		return true
	}
	return false
}

// Well-known action codes emitted by the access path. Other controllers
// supply their own short machine codes.
const (
	ActionConsentBypass         = "CONSENT_BYPASS"
	ActionConsentViolation      = "CONSENT_VIOLATION"
	ActionConsentVerifiedAccess = "CONSENT_VERIFIED_ACCESS"
	ActionSelfAccess            = "SELF_ACCESS"
	ActionEmergencyGranted      = "EMERGENCY_ACCESS_GRANTED"
)
