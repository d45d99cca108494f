package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bcnelson/tontine-manager/internal/domain"
	"github.com/bcnelson/tontine-manager/internal/validation"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondStandardError writes a JSON error response in the standard envelope.
func respondStandardError(w http.ResponseWriter, status int, code, message, field string, details map[string]any) {
	respondJSON(w, status, &domain.StandardErrorResponse{
		Error: domain.StandardError{
			Code:    code,
			Message: message,
			Field:   field,
			Details: details,
		},
	})
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case domain.ErrCodeValidationError:
		return http.StatusBadRequest
	case domain.ErrCodeResourceNotFound:
		return http.StatusNotFound
	case domain.ErrCodeDuplicateName, domain.ErrCodeAlreadyMember, domain.ErrCodeNotMember, domain.ErrCodeConflict:
		return http.StatusConflict
	case domain.ErrCodeTrustlineFailed, domain.ErrCodeGatewayError:
		return http.StatusBadGateway
	case domain.ErrCodeGatewayUnavailable:
		return http.StatusServiceUnavailable
	case domain.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// handleError converts domain errors to HTTP errors.
func handleError(w http.ResponseWriter, err error) {
	handleErrorWithDetails(w, err, nil)
}

func handleErrorWithDetails(w http.ResponseWriter, err error, details map[string]any) {
	code := domain.KindOf(err)
	message := err.Error()

	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if details == nil {
			details = map[string]any{}
		}
		details["fields"] = verrs.Fields()
		respondStandardError(w, http.StatusBadRequest, code, message, verrs[0].Field, details)
		return
	}

	// Internal and store failures may carry paths or driver detail.
	if code == domain.ErrCodeInternalError || code == domain.ErrCodeStoreError {
		message = "internal server error"
	}
	respondStandardError(w, statusFor(code), code, message, "", details)
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return validation.ValidationErrors{validation.NewValidationError("body", "", "invalid request body: "+err.Error())}
	}
	return nil
}
