package domain

import (
	"errors"
	"fmt"
)

// Common errors used throughout the application.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicateName    = errors.New("a group with this name already exists")
	ErrAlreadyMember    = errors.New("user is already a member of this group")
	ErrNotMember        = errors.New("user is not a member of this group")
	ErrAlreadyCompleted = errors.New("group already completed")
	ErrConflict         = errors.New("conflict")
	ErrTrustlineFailed  = errors.New("trustline setup failed")
	ErrGateway          = errors.New("ledger gateway error")
	ErrStore            = errors.New("store error")
	ErrUnauthorized     = errors.New("unauthorized")
)

// StaleVersionError rejects a conditional write made against a version
// that is no longer current.
type StaleVersionError struct {
	Resource string
	ID       string
	Current  int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("%s %s is at version %d", e.Resource, e.ID, e.Current)
}

func (e *StaleVersionError) Unwrap() error { return ErrConflict }

// Error codes for standardized API error responses.
const (
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeResourceNotFound   = "RESOURCE_NOT_FOUND"
	ErrCodeDuplicateName      = "DUPLICATE_NAME"
	ErrCodeAlreadyMember      = "ALREADY_MEMBER"
	ErrCodeNotMember          = "NOT_MEMBER"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeTrustlineFailed    = "TRUSTLINE_FAILED"
	ErrCodeGatewayError       = "GATEWAY_ERROR"
	ErrCodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	ErrCodeStoreError         = "STORE_ERROR"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodePreconditionFailed = "PRECONDITION_FAILED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// Retryable is implemented by errors that a caller may retry unchanged.
type Retryable interface {
	Retryable() bool
}

// KindOf returns the stable error code for err. Order matters: the more
// specific kinds are checked before the generic gateway and store kinds they
// may wrap.
func KindOf(err error) string {
	var retryable Retryable
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return ErrCodeValidationError
	case errors.Is(err, ErrNotFound):
		return ErrCodeResourceNotFound
	case errors.Is(err, ErrDuplicateName):
		return ErrCodeDuplicateName
	case errors.Is(err, ErrAlreadyMember):
		return ErrCodeAlreadyMember
	case errors.Is(err, ErrNotMember):
		return ErrCodeNotMember
	case errors.Is(err, ErrAlreadyCompleted), errors.Is(err, ErrConflict):
		return ErrCodeConflict
	case errors.Is(err, ErrTrustlineFailed):
		return ErrCodeTrustlineFailed
	case errors.Is(err, ErrGateway):
		if errors.As(err, &retryable) && retryable.Retryable() {
			return ErrCodeGatewayUnavailable
		}
		return ErrCodeGatewayError
	case errors.Is(err, ErrStore):
		return ErrCodeStoreError
	case errors.Is(err, ErrUnauthorized):
		return ErrCodeUnauthorized
	default:
		return ErrCodeInternalError
	}
}

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Field   string         `json:"field,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}
