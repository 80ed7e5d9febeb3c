package handler

// Every error response has the same shape:
//
//	{"error": "unsupported_language", "message": "unsupported language: \"cobol\"", "field": "language"}
//
// so callers can branch on "error" regardless of the status code.

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sakif/sandbox-executor/internal/apperror"
)

// maxBodyBytes bounds request bodies. Source size itself is checked by the service.
const maxBodyBytes = 4 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Offending request field, when known
}

// writeJSON sends a JSON response with the given status code.
// Headers must be set before WriteHeader; the body comes last.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decodeJSON reads a single JSON document from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.ValidationFailed("body", fmt.Sprintf("request body must be %d bytes or less", tooLarge.Limit))
		}
		return apperror.ValidationFailed("body", "request body is not valid JSON")
	}
	return nil
}

// statusFor maps domain errors to HTTP. The service layer never sees status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperror.ErrValidation),
		errors.Is(err, apperror.ErrEmptyWorkspace),
		errors.Is(err, apperror.ErrUnsupportedLanguage):
		return http.StatusBadRequest // 400
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound // 404
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict // 409
	case errors.Is(err, apperror.ErrUnavailable):
		return http.StatusServiceUnavailable // 503
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a domain error to the appropriate HTTP status code and sends it.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	status := statusFor(err)

	if status == http.StatusInternalServerError || !errors.As(err, &appErr) {
		// Internal details (paths, daemon errors) stay in the logs.
		slog.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	writeJSON(w, status, ErrorResponse{
		Error:   apperror.Kind(err),
		Message: appErr.Message,
		Field:   appErr.Field,
	})
}
