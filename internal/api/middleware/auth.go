package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/caregrid/patient-records-backend/internal/domain/consent"
)

// TrustedHeaderAuth builds the request principal from identity headers set by
// the authenticating reverse proxy (X-User-ID, X-User-Role, X-Patient-ID).
// Token verification happens upstream; this shim is the boundary contract.
// Requests with missing or malformed identity headers proceed without a
// principal and are rejected by the access gateway on protected routes.
func TrustedHeaderAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := uuid.Parse(r.Header.Get("X-User-ID"))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			role, err := consent.ParseRole(r.Header.Get("X-User-Role"))
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			principal := consent.Principal{ID: userID, Role: role}
			if role == consent.RolePatient {
				// Patients carry their linked patient record for self-access.
				if patientID, err := uuid.Parse(r.Header.Get("X-Patient-ID")); err == nil {
					principal.PatientID = patientID
				}
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}
