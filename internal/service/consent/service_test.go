package consent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/caregrid/patient-records-backend/internal/domain/audit"
	"github.com/caregrid/patient-records-backend/internal/domain/consent"
	"github.com/caregrid/patient-records-backend/internal/domain/errors"
)

type serviceFixture struct {
	store   *memStore
	cache   *mapCache
	ledger  *capturingLedger
	service *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	store := newMemStore()
	cache := newMapCache()
	ledger := &capturingLedger{}
	return &serviceFixture{
		store:   store,
		cache:   cache,
		ledger:  ledger,
		service: NewService(store, cache, ledger, zaptest.NewLogger(t), testRegistry(t)),
	}
}

func patientPrincipal(patientID uuid.UUID) consent.Principal {
	return consent.Principal{ID: uuid.New(), Role: consent.RolePatient, PatientID: patientID}
}

func adminPrincipal() consent.Principal {
	return consent.Principal{ID: uuid.New(), Role: consent.RoleAdministrator}
}

func validGrantRequest(patientID uuid.UUID) GrantRequest {
	return GrantRequest{
		PatientID:     patientID,
		RecipientID:   uuid.New(),
		RecipientRole: "doctor",
		DataType:      "lab_results",
		Purpose:       "diagnosis",
		ValidFrom:     time.Now().Add(-time.Minute),
		ValidUntil:    time.Now().Add(30 * 24 * time.Hour),
		Request:       testMeta(),
	}
}

func TestServiceGrant(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()
	actor := patientPrincipal(patientID)

	grant, err := f.service.Grant(context.Background(), actor, validGrantRequest(patientID))
	require.NoError(t, err)
	assert.Equal(t, consent.StatusActive, grant.Status)
	assert.Equal(t, actor.ID, grant.GrantedBy)
	assert.True(t, grant.VerifySignature())

	stored, err := f.store.GetByID(context.Background(), grant.ID)
	require.NoError(t, err)
	assert.Equal(t, grant.ID, stored.ID)

	records := f.ledger.byEventType(audit.EventConsentGranted)
	require.Len(t, records, 1)
	assert.Equal(t, "CONSENT_GRANTED", records[0].Action)
	require.NotNil(t, records[0].ConsentID)
	assert.Equal(t, grant.ID, *records[0].ConsentID)
}

func TestServiceGrantAuthorization(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()

	tests := []struct {
		name    string
		actor   consent.Principal
		wantErr bool
	}{
		{"patient for self", patientPrincipal(patientID), false},
		{"administrator for anyone", adminPrincipal(), false},
		{"patient for someone else", patientPrincipal(uuid.New()), true},
		{"doctor", consent.Principal{ID: uuid.New(), Role: consent.RoleDoctor}, true},
		{"nurse", consent.Principal{ID: uuid.New(), Role: consent.RoleNurse}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Grant(context.Background(), tt.actor, validGrantRequest(patientID))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestServiceGrantValidation(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()
	actor := patientPrincipal(patientID)

	req := validGrantRequest(patientID)
	req.Purpose = ""
	_, err := f.service.Grant(context.Background(), actor, req)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	req = validGrantRequest(patientID)
	req.DataType = "genome"
	_, err = f.service.Grant(context.Background(), actor, req)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	req = validGrantRequest(patientID)
	req.ValidUntil = req.ValidFrom.Add(-time.Hour)
	_, err = f.service.Grant(context.Background(), actor, req)
	require.Error(t, err)

	zero := 0
	req = validGrantRequest(patientID)
	req.MaxAccessCount = &zero
	_, err = f.service.Grant(context.Background(), actor, req)
	require.Error(t, err)
}

func TestServiceRevoke(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()
	actor := patientPrincipal(patientID)

	grant, err := f.service.Grant(context.Background(), actor, validGrantRequest(patientID))
	require.NoError(t, err)

	require.NoError(t, f.service.Revoke(context.Background(), actor, grant.ID, "changed my mind", testMeta()))

	stored, err := f.store.GetByID(context.Background(), grant.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusRevoked, stored.Status)
	assert.Equal(t, "changed my mind", stored.RevocationReason)
	require.NotNil(t, stored.RevokedBy)
	assert.Equal(t, actor.ID, *stored.RevokedBy)

	// Revocation is terminal.
	err = f.service.Revoke(context.Background(), actor, grant.ID, "again", testMeta())
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))

	records := f.ledger.byEventType(audit.EventConsentRevoked)
	require.Len(t, records, 1)
}

func TestServiceRevokeRequiresReasonAndOwnership(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()
	owner := patientPrincipal(patientID)

	grant, err := f.service.Grant(context.Background(), owner, validGrantRequest(patientID))
	require.NoError(t, err)

	err = f.service.Revoke(context.Background(), owner, grant.ID, "", testMeta())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	stranger := patientPrincipal(uuid.New())
	err = f.service.Revoke(context.Background(), stranger, grant.ID, "not mine", testMeta())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
}

func TestServiceUpdateLimits(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()
	actor := patientPrincipal(patientID)

	grant, err := f.service.Grant(context.Background(), actor, validGrantRequest(patientID))
	require.NoError(t, err)

	newCap := 5
	newUntil := time.Now().Add(60 * 24 * time.Hour)
	updated, err := f.service.Update(context.Background(), actor, grant.ID, UpdateRequest{
		ValidUntil:     newUntil,
		MaxAccessCount: &newCap,
		Request:        testMeta(),
	})
	require.NoError(t, err)
	assert.WithinDuration(t, newUntil, updated.ValidUntil, time.Second)
	require.NotNil(t, updated.Limitations.MaxAccessCount)
	assert.Equal(t, newCap, *updated.Limitations.MaxAccessCount)
	assert.Greater(t, updated.Version, grant.Version)

	records := f.ledger.byAction("CONSENT_UPDATED")
	require.Len(t, records, 1)
	require.NotNil(t, records[0].DataChanges)
	assert.Contains(t, records[0].DataChanges.Changes, "valid_until")
}

func TestServiceUpdateRevokedGrantFails(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()
	actor := patientPrincipal(patientID)

	grant, err := f.service.Grant(context.Background(), actor, validGrantRequest(patientID))
	require.NoError(t, err)
	require.NoError(t, f.service.Revoke(context.Background(), actor, grant.ID, "done", testMeta()))

	_, err = f.service.Update(context.Background(), actor, grant.ID, UpdateRequest{
		ValidUntil: time.Now().Add(time.Hour),
		Request:    testMeta(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestServiceSuspendReinstate(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()
	owner := patientPrincipal(patientID)
	admin := adminPrincipal()

	grant, err := f.service.Grant(context.Background(), owner, validGrantRequest(patientID))
	require.NoError(t, err)

	// Suspension is an administrative action; even the owning patient
	// cannot suspend.
	err = f.service.Suspend(context.Background(), owner, grant.ID, testMeta())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))

	require.NoError(t, f.service.Suspend(context.Background(), admin, grant.ID, testMeta()))
	stored, err := f.store.GetByID(context.Background(), grant.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusSuspended, stored.Status)

	require.NoError(t, f.service.Reinstate(context.Background(), admin, grant.ID, testMeta()))
	stored, err = f.store.GetByID(context.Background(), grant.ID)
	require.NoError(t, err)
	assert.Equal(t, consent.StatusActive, stored.Status)

	assert.Len(t, f.ledger.byAction("CONSENT_SUSPENDED"), 1)
	assert.Len(t, f.ledger.byAction("CONSENT_REINSTATED"), 1)
}

func TestServiceGetGrantVisibility(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()
	owner := patientPrincipal(patientID)

	req := validGrantRequest(patientID)
	grant, err := f.service.Grant(context.Background(), owner, req)
	require.NoError(t, err)

	_, err = f.service.GetGrant(context.Background(), owner, grant.ID)
	require.NoError(t, err)

	recipient := consent.Principal{ID: req.RecipientID, Role: consent.RoleDoctor}
	_, err = f.service.GetGrant(context.Background(), recipient, grant.ID)
	require.NoError(t, err)

	_, err = f.service.GetGrant(context.Background(), adminPrincipal(), grant.ID)
	require.NoError(t, err)

	stranger := consent.Principal{ID: uuid.New(), Role: consent.RoleDoctor}
	_, err = f.service.GetGrant(context.Background(), stranger, grant.ID)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeForbidden))
}

func TestServiceListPatientGrants(t *testing.T) {
	f := newServiceFixture(t)
	patientID := uuid.New()
	owner := patientPrincipal(patientID)

	g1, err := f.service.Grant(context.Background(), owner, validGrantRequest(patientID))
	require.NoError(t, err)
	_, err = f.service.Grant(context.Background(), owner, validGrantRequest(patientID))
	require.NoError(t, err)
	require.NoError(t, f.service.Revoke(context.Background(), owner, g1.ID, "superseded", testMeta()))

	all, err := f.service.ListPatientGrants(context.Background(), owner, patientID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active := consent.StatusActive
	onlyActive, err := f.service.ListPatientGrants(context.Background(), owner, patientID, &active)
	require.NoError(t, err)
	assert.Len(t, onlyActive, 1)
}
