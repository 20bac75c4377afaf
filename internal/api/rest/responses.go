package rest

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/caregrid/patient-records-backend/internal/domain/errors"
)

type successResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type failureResponse struct {
	Success bool                   `json:"success"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(successResponse{Success: true, Data: data})
}

// writeError maps domain errors onto the API error contract. Unclassified
// errors surface as a generic 500 so internals never leak to clients.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	resp := failureResponse{Code: "INTERNAL_ERROR", Message: "internal error"}
	status := http.StatusInternalServerError

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		resp.Code = appErr.Code
		resp.Message = appErr.Message
		resp.Details = appErr.Details
		status = appErr.StatusCode
	} else {
		logger.Error("unclassified handler error", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeUnauthenticated(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(failureResponse{
		Code:    "UNAUTHENTICATED",
		Message: "authentication required",
	})
}
