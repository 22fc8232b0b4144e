package lifecycle

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable failure category.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindConflict           Kind = "CONFLICT"
	KindNotFound           Kind = "NOT_FOUND"
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindInvalidOtp         Kind = "INVALID_OTP"
	KindExpired            Kind = "EXPIRED"
	KindAccountLocked      Kind = "ACCOUNT_LOCKED"
	KindNotVerified        Kind = "NOT_VERIFIED"
	KindAccountDisabled    Kind = "ACCOUNT_DISABLED"
	KindConfiguration      Kind = "CONFIGURATION_ERROR"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"

	// transport-level: authenticated but lacking the required role
	KindForbidden Kind = "FORBIDDEN"
)

// Error is the typed failure returned by every lifecycle operation.
type Error struct {
	Kind              Kind
	Message           string
	RemainingMinutes  int // set for ACCOUNT_LOCKED
	RemainingAttempts int // set for INVALID_CREDENTIALS
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test against the
// sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrInvalidOtp         = &Error{Kind: KindInvalidOtp}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrNotVerified        = &Error{Kind: KindNotVerified}
	ErrAccountDisabled    = &Error{Kind: KindAccountDisabled}
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
)

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func unavailable(op string, err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: "Service temporarily unavailable. Please try again.", Err: fmt.Errorf("%s: %w", op, err)}
}

// KindOf extracts the kind of a lifecycle error, or "" for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
