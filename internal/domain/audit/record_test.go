package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caregrid/patient-records-backend/internal/domain/errors"
)

func errCodeOf(t *testing.T, err error) string {
	t.Helper()
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	return appErr.Code
}

func sealedRecord(t *testing.T) *Record {
	t.Helper()
	r, err := NewRecord(EventRead, ActionConsentVerifiedAccess, "doctor read lab results")
	require.NoError(t, err)

	userID := uuid.New()
	patientID := uuid.New()
	r.UserID = &userID
	r.UserRole = "doctor"
	r.TargetPatientID = &patientID
	r.ResourceType = "lab_results"
	r.RequestDetails = RequestDetails{
		IPAddress: "10.0.0.7",
		UserAgent: "clinic-app/2.4",
		Endpoint:  "/patients/" + patientID.String() + "/lab-results",
		Method:    "GET",
		RequestID: uuid.NewString(),
	}
	r.SystemDetails = SystemDetails{
		Timestamp:  time.Now().UTC(),
		ServerName: "records-01",
		ProcessID:  4411,
	}
	r.Seal()
	return r
}

func TestNewRecord(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		action    string
		wantErr   bool
		errCode   string
	}{
		{"valid record", EventRead, ActionConsentVerifiedAccess, false, ""},
		{"unknown event type", EventType("AUDIT"), "X", true, "INVALID_EVENT_TYPE"},
		{"missing action", EventRead, "", true, "MISSING_ACTION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRecord(tt.eventType, tt.action, "desc")
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.errCode, errCodeOf(t, err))
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, r.ID)
			assert.Equal(t, "anonymous", r.UserRole)
			assert.Equal(t, ThreatLow, r.Security.ThreatLevel)
			assert.Equal(t, defaultRetentionDays, r.Compliance.RetentionPeriod)
		})
	}
}

func TestRecordValidate(t *testing.T) {
	r := sealedRecord(t)
	require.NoError(t, r.Validate())

	missingReqID := sealedRecord(t)
	missingReqID.RequestDetails.RequestID = ""
	err := missingReqID.Validate()
	require.Error(t, err)
	assert.Equal(t, "MISSING_REQUEST_ID", errCodeOf(t, err))

	missingDetails := sealedRecord(t)
	missingDetails.RequestDetails.UserAgent = ""
	err = missingDetails.Validate()
	require.Error(t, err)
	assert.Equal(t, "MISSING_REQUEST_DETAILS", errCodeOf(t, err))

	badLevel := sealedRecord(t)
	badLevel.Security.ThreatLevel = ThreatLevel("severe")
	err = badLevel.Validate()
	require.Error(t, err)
	assert.Equal(t, "INVALID_THREAT_LEVEL", errCodeOf(t, err))

	// SessionID remains optional.
	noSession := sealedRecord(t)
	noSession.RequestDetails.SessionID = ""
	assert.NoError(t, noSession.Validate())
}

func TestHashDeterminism(t *testing.T) {
	r := sealedRecord(t)

	// Recomputing from the stored fields reproduces the hash exactly.
	assert.Equal(t, r.Signature.Hash, r.ComputeHash())
	assert.True(t, r.VerifySignature())
	assert.Equal(t, "SHA-256", r.Signature.Algorithm)
}

func TestHashSensitivity(t *testing.T) {
	mutations := map[string]func(*Record){
		"event type": func(r *Record) { r.EventType = EventDelete },
		"actor":      func(r *Record) { id := uuid.New(); r.UserID = &id },
		"action":     func(r *Record) { r.Action = ActionConsentBypass },
		"timestamp":  func(r *Record) { r.SystemDetails.Timestamp = r.SystemDetails.Timestamp.Add(time.Nanosecond) },
		"request id": func(r *Record) { r.RequestDetails.RequestID = uuid.NewString() },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			r := sealedRecord(t)
			original := r.Signature.Hash
			mutate(r)
			assert.NotEqual(t, original, r.ComputeHash())
			assert.False(t, r.VerifySignature())
		})
	}

	// Fields outside the canonical subset do not affect the digest.
	t.Run("description excluded", func(t *testing.T) {
		r := sealedRecord(t)
		r.Description = "rewritten"
		assert.True(t, r.VerifySignature())
	})
}

func TestSystemEventHasNilActor(t *testing.T) {
	r, err := NewRecord(EventSystemError, "STORAGE_FAILURE", "consent store unreachable")
	require.NoError(t, err)

	assert.Nil(t, r.UserID)
	assert.Equal(t, "", r.ActorID())
	assert.Equal(t, "anonymous", r.UserRole)
}

func TestRetentionExpiry(t *testing.T) {
	r := sealedRecord(t)
	r.Compliance.RetentionPeriod = 30

	expiry := r.RetentionExpiry()
	assert.Equal(t, r.SystemDetails.Timestamp.AddDate(0, 0, 30), expiry)
}
