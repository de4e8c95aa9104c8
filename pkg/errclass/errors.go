// Package errclass defines the stable, machine-readable error classes
// returned across the attendcore public API.
package errclass

import (
	"errors"
	"fmt"
)

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new Error with the same Code carrying cause.
// The cause stays reachable through errors.Is / errors.As.
func (e *Error) Wrap(cause error, msg string) *Error {
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{Code: e.Code, Message: msg, cause: cause}
}

var (
	ErrNotFound           = &Error{Code: "E_NOT_FOUND"}
	ErrAlreadyExists      = &Error{Code: "E_ALREADY_EXISTS"}
	ErrStaleOperation     = &Error{Code: "E_STALE_OPERATION"}
	ErrStorageFailure     = &Error{Code: "E_STORAGE_FAILURE"}
	ErrQuotaExceeded      = &Error{Code: "E_QUOTA_EXCEEDED"}
	ErrIntegrityViolation = &Error{Code: "E_INTEGRITY_VIOLATION"}
	ErrSyncFailure        = &Error{Code: "E_SYNC_FAILURE"}
	ErrSyncRejected       = &Error{Code: "E_SYNC_REJECTED"}
	ErrImportValidation   = &Error{Code: "E_IMPORT_VALIDATION"}
	ErrPolicyViolation    = &Error{Code: "E_POLICY_VIOLATION"}
	ErrVersionConflict    = &Error{Code: "E_VERSION_CONFLICT"}
	ErrNameInvalid        = &Error{Code: "E_NAME_INVALID"}
	ErrLockConflict       = &Error{Code: "E_LOCK_CONFLICT"}
	ErrLockNotHeld        = &Error{Code: "E_LOCK_NOT_HELD"}
	ErrAuditChainBroken   = &Error{Code: "E_AUDIT_CHAIN_BROKEN"}
	ErrConfigInvalid      = &Error{Code: "E_CONFIG_INVALID"}
	ErrBackendUnsupported = &Error{Code: "E_BACKEND_UNSUPPORTED"}
)

// Code returns the class code of err, or "" if err carries none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether err is a transient failure worth another attempt.
// Quota exhaustion is wrapped as a storage failure but is not transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return false
	}
	return errors.Is(err, ErrSyncFailure) || errors.Is(err, ErrStorageFailure)
}
