package consent

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/caregrid/patient-records-backend/internal/domain/errors"
)

// Role is the closed set of principal roles. Capability checks are
// exhaustive switches, so a new role is a compile-time-visible gap rather
// than a silently missing map entry.
type Role string

const (
	RolePatient       Role = "patient"
	RoleDoctor        Role = "doctor"
	RoleNurse         Role = "nurse"
	RoleReceptionist  Role = "receptionist"
	RoleLabTechnician Role = "lab_technician"
	RolePharmacist    Role = "pharmacist"
	RoleAdministrator Role = "administrator"
)

func (r Role) String() string {
	return string(r)
}

// BypassesConsent reports whether the role is allowed past the evaluator
// unconditionally. Only administrators bypass, and every bypass is audited.
func (r Role) BypassesConsent() bool {
	switch r {
	case RoleAdministrator:
		return true
	case RolePatient, RoleDoctor, RoleNurse, RoleReceptionist, RoleLabTechnician, RolePharmacist:
		return false
	}
	return false
}

// CanInvokeEmergencyOverride reports whether the role may break glass.
func (r Role) CanInvokeEmergencyOverride() bool {
	switch r {
	case RoleDoctor, RoleNurse, RoleAdministrator:
		return true
	case RolePatient, RoleReceptionist, RoleLabTechnician, RolePharmacist:
		return false
	}
	return false
}

// CanManageGrant reports whether the role may update or revoke a grant on a
// patient's behalf. Patients manage their own grants; administrators manage
// any.
func (r Role) CanManageGrant() bool {
	switch r {
	case RolePatient, RoleAdministrator:
		return true
	case RoleDoctor, RoleNurse, RoleReceptionist, RoleLabTechnician, RolePharmacist:
		return false
	}
	return false
}

// ValidateRole rejects roles outside the closed set.
func ValidateRole(role Role) error {
	switch role {
	case RolePatient, RoleDoctor, RoleNurse, RoleReceptionist,
		RoleLabTechnician, RolePharmacist, RoleAdministrator:
		return nil
	default:
		return errors.NewValidationError("INVALID_ROLE", fmt.Sprintf("invalid role: %s", role))
	}
}

// ParseRole parses a string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if err := ValidateRole(r); err != nil {
		return "", err
	}
	return r, nil
}

// Principal is the authenticated caller handed to the gateway by the outer
// authentication layer. PatientID is set only for patient principals and
// links them to their own patient record.
type Principal struct {
	ID        uuid.UUID
	Role      Role
	PatientID uuid.UUID
}

// IsSelf reports whether the principal is a patient accessing their own
// record.
func (p Principal) IsSelf(patientID uuid.UUID) bool {
	return p.Role == RolePatient && p.PatientID != uuid.Nil && p.PatientID == patientID
}
