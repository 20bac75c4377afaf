package consent

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caregrid/patient-records-backend/internal/domain/errors"
)

func TestRoleCapabilities(t *testing.T) {
	tests := []struct {
		role          Role
		bypasses      bool
		breakGlass    bool
		managesGrants bool
	}{
		{RolePatient, false, false, true},
		{RoleDoctor, false, true, false},
		{RoleNurse, false, true, false},
		{RoleReceptionist, false, false, false},
		{RoleLabTechnician, false, false, false},
		{RolePharmacist, false, false, false},
		{RoleAdministrator, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.role.String(), func(t *testing.T) {
			assert.Equal(t, tt.bypasses, tt.role.BypassesConsent())
			assert.Equal(t, tt.breakGlass, tt.role.CanInvokeEmergencyOverride())
			assert.Equal(t, tt.managesGrants, tt.role.CanManageGrant())
		})
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("lab_technician")
	require.NoError(t, err)
	assert.Equal(t, RoleLabTechnician, r)

	_, err = ParseRole("janitor")
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "INVALID_ROLE", appErr.Code)
}

func TestPrincipalIsSelf(t *testing.T) {
	patientID := uuid.New()

	self := Principal{ID: uuid.New(), Role: RolePatient, PatientID: patientID}
	assert.True(t, self.IsSelf(patientID))
	assert.False(t, self.IsSelf(uuid.New()))

	// A doctor is never a self-accessor, even with a matching link.
	doc := Principal{ID: uuid.New(), Role: RoleDoctor, PatientID: patientID}
	assert.False(t, doc.IsSelf(patientID))

	// An unlinked patient principal never matches.
	unlinked := Principal{ID: uuid.New(), Role: RolePatient}
	assert.False(t, unlinked.IsSelf(uuid.Nil))
}
