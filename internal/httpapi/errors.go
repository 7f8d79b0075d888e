package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"deployd/internal/orchestrator"
	"deployd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps a service error onto a response code.
func statusFor(err error) int {
	switch {
	case orchestrator.IsInvalidRequest(err):
		return http.StatusBadRequest
	case orchestrator.IsNotFound(err):
		return http.StatusNotFound
	case orchestrator.IsConflict(err):
		return http.StatusConflict
	case orchestrator.IsUnavailable(err):
		return http.StatusServiceUnavailable
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

func writeServiceError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	writeJSONError(w, status, err.Error())
	return status
}
