package model

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store, outbox and sync errors.
type ErrorCode string

const (
	// ErrCodeValidation: malformed input, rejected locally and never queued.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNotFound: the operation targets a missing id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeAuthorization: the session is invalid or expired. Sync pauses;
	// no data is dropped.
	ErrCodeAuthorization ErrorCode = "AUTHORIZATION"

	// ErrCodeConflict: the remote holds a newer revision than the mutation's
	// base revision. Resolved by the conflict policy.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeTransient: network or availability failure, retried with backoff.
	ErrCodeTransient ErrorCode = "TRANSIENT"

	// ErrCodePermanent: the remote rejected the mutation for good. The entry
	// is marked failed and surfaced.
	ErrCodePermanent ErrorCode = "PERMANENT"
)

// Error is the structured error returned across package boundaries.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// RecordID identifies the affected record, if any.
	RecordID string

	// Seq identifies the affected outbox entry, if any.
	Seq int64

	// Remote carries the remote snapshot for ErrCodeConflict.
	Remote *Change

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.RecordID != "" {
		msg += fmt.Sprintf(" (record=%s)", e.RecordID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsAuthorization reports whether err is an authorization error.
func IsAuthorization(err error) bool { return hasCode(err, ErrCodeAuthorization) }

// IsConflict reports whether err is a conflict response.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool { return hasCode(err, ErrCodeTransient) }

// IsPermanent reports whether err is a permanent remote rejection.
func IsPermanent(err error) bool { return hasCode(err, ErrCodePermanent) }

// CodeOf returns the error code of err, or "" if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ConflictOf extracts the remote snapshot from a conflict error.
func ConflictOf(err error) (Change, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == ErrCodeConflict && e.Remote != nil {
		return *e.Remote, true
	}
	return Change{}, false
}

// NewValidationError creates an ErrCodeValidation error.
func NewValidationError(recordID, format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...), RecordID: recordID}
}

// NewNotFoundError creates an ErrCodeNotFound error for a record.
func NewNotFoundError(recordID string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "record not found", RecordID: recordID}
}

// NewAuthorizationError creates an ErrCodeAuthorization error.
func NewAuthorizationError(message string, cause error) *Error {
	return &Error{Code: ErrCodeAuthorization, Message: message, Err: cause}
}

// NewConflictError creates an ErrCodeConflict error carrying the remote state.
func NewConflictError(seq int64, remote Change) *Error {
	return &Error{
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("remote revision %d is newer than the mutation base", remote.Revision),
		RecordID: remote.RecordID,
		Seq:      seq,
		Remote:   &remote,
	}
}

// NewTransientError creates an ErrCodeTransient error.
func NewTransientError(message string, cause error) *Error {
	return &Error{Code: ErrCodeTransient, Message: message, Err: cause}
}

// NewPermanentError creates an ErrCodePermanent error.
func NewPermanentError(seq int64, message string, cause error) *Error {
	return &Error{Code: ErrCodePermanent, Message: message, Seq: seq, Err: cause}
}
