// Package errors provides custom error types for the cap table API.
// All service-layer errors should use AppError to ensure consistent,
// secure error responses that never leak internal details to clients.
package errors

import "net/http"

// AppError represents a structured application error with an error code,
// human-readable message, HTTP status code, and optional internal error.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string { return e.Message }

// Unwrap returns the internal error for use with errors.Is/As.
func (e *AppError) Unwrap() error { return e.Internal }

// Is reports whether target carries the same code, so wrapped copies of a
// sentinel still match it with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Wrap creates a new AppError with the same code/message/status but wraps an internal error.
func Wrap(sentinel *AppError, internal error) *AppError {
	return &AppError{
		Code:       sentinel.Code,
		Message:    sentinel.Message,
		StatusCode: sentinel.StatusCode,
		Internal:   internal,
	}
}

// WithMessage creates a new AppError with a custom message.
func WithMessage(sentinel *AppError, message string) *AppError {
	return &AppError{
		Code:       sentinel.Code,
		Message:    message,
		StatusCode: sentinel.StatusCode,
		Internal:   sentinel.Internal,
	}
}

// Authentication & authorization errors.
var (
	ErrUnauthorized            = &AppError{Code: "UNAUTHORIZED", Message: "Authentication required", StatusCode: http.StatusUnauthorized}
	ErrForbidden               = &AppError{Code: "FORBIDDEN", Message: "Access denied", StatusCode: http.StatusForbidden}
	ErrFourEyesViolation       = &AppError{Code: "FOUR_EYES_VIOLATION", Message: "A transfer cannot be reviewed by its creator", StatusCode: http.StatusForbidden}
	ErrListingLockUnauthorized = &AppError{Code: "LISTING_LOCK_UNAUTHORIZED", Message: "Listing is locked by another party", StatusCode: http.StatusForbidden}
)

// General errors.
var (
	ErrInvalidInput   = &AppError{Code: "INVALID_INPUT", Message: "Invalid input", StatusCode: http.StatusBadRequest}
	ErrNotFound       = &AppError{Code: "NOT_FOUND", Message: "Resource not found", StatusCode: http.StatusNotFound}
	ErrInternalServer = &AppError{Code: "INTERNAL_ERROR", Message: "An internal error occurred", StatusCode: http.StatusInternalServerError}
)

// Ownership errors.
var (
	ErrMortgageNotFound      = &AppError{Code: "MORTGAGE_NOT_FOUND", Message: "Mortgage not found", StatusCode: http.StatusNotFound}
	ErrOwnershipNotFound     = &AppError{Code: "OWNERSHIP_NOT_FOUND", Message: "Ownership record not found", StatusCode: http.StatusNotFound}
	ErrOwnershipExists       = &AppError{Code: "OWNERSHIP_EXISTS", Message: "Owner already holds a position in this mortgage", StatusCode: http.StatusConflict}
	ErrInstitutionTarget     = &AppError{Code: "INSTITUTION_TARGET", Message: "The institutional owner cannot be created or deleted directly", StatusCode: http.StatusBadRequest}
	ErrInvariantViolation    = &AppError{Code: "INVARIANT_VIOLATION", Message: "Ownership would no longer sum to 100%", StatusCode: http.StatusConflict}
	ErrInsufficientOwnership = &AppError{Code: "INSUFFICIENT_OWNERSHIP", Message: "Source owner does not hold enough of this mortgage", StatusCode: http.StatusConflict}
)

// Listing errors.
var (
	ErrListingNotFound     = &AppError{Code: "LISTING_NOT_FOUND", Message: "Listing not found", StatusCode: http.StatusNotFound}
	ErrAlreadyLocked       = &AppError{Code: "ALREADY_LOCKED", Message: "Listing is already locked", StatusCode: http.StatusConflict}
	ErrListingNotAvailable = &AppError{Code: "LISTING_NOT_AVAILABLE", Message: "Listing is not available", StatusCode: http.StatusConflict}
	ErrListingNotLocked    = &AppError{Code: "LISTING_NOT_LOCKED", Message: "Listing must be locked by the requester", StatusCode: http.StatusConflict}
)

// Transfer errors.
var (
	ErrTransferNotFound         = &AppError{Code: "TRANSFER_NOT_FOUND", Message: "Transfer not found", StatusCode: http.StatusNotFound}
	ErrInvalidTransferState     = &AppError{Code: "INVALID_TRANSFER_STATE", Message: "Transfer is not in a state that allows this action", StatusCode: http.StatusConflict}
	ErrSameOwnerTransfer        = &AppError{Code: "SAME_OWNER_TRANSFER", Message: "Cannot transfer to the same owner", StatusCode: http.StatusBadRequest}
	ErrManualResolutionRequired = &AppError{Code: "MANUAL_RESOLUTION_REQUIRED", Message: "Transfer requires manual resolution", StatusCode: http.StatusConflict}
)

// Ledger errors.
var (
	ErrLedgerSyncFailed = &AppError{Code: "LEDGER_SYNC_FAILED", Message: "External ledger synchronization failed", StatusCode: http.StatusBadGateway}
	ErrSyncTaskNotFound = &AppError{Code: "SYNC_TASK_NOT_FOUND", Message: "Ledger sync task not found", StatusCode: http.StatusNotFound}
)
