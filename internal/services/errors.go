// Package services holds the business logic between the HTTP handlers and the
// repositories: the API key lifecycle, account flows (registration, login,
// passcodes, password and email changes), and the dashboard/admin reports.
// Services return *Error values whose Kind the handlers map to HTTP statuses.
package services

import (
	"errors"
	"net/http"
)

// Kind classifies a service error
type Kind int

// Error kinds
const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuth
	KindForbidden
	KindConflict
	KindQuota
	KindInvalidState
	KindRateLimited
	KindTransient
)

// Error is a classified service error. Message is safe to return to clients.
// Code identifies a named error independently of its message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches named errors by Code, and other errors by Kind and Message, so a
// sentinel compares equal to an error carrying a different cause or wording
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// HTTPStatus maps the kind to a response status
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindConflict, KindQuota, KindInvalidState:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// withMessage copies a named error with different client wording
func withMessage(named *Error, message string) *Error {
	return &Error{Kind: named.Kind, Code: named.Code, Message: message}
}

// Validation returns a KindValidation error
func Validation(message string) *Error { return newError(KindValidation, message, nil) }

// NotFound returns a KindNotFound error
func NotFound(message string) *Error { return newError(KindNotFound, message, nil) }

// Forbidden returns a KindForbidden error
func Forbidden(message string) *Error { return newError(KindForbidden, message, nil) }

// Conflict returns a KindConflict error
func Conflict(message string, err error) *Error { return newError(KindConflict, message, err) }

// Transient wraps a store or transport failure on a blocking path
func Transient(message string, err error) *Error { return newError(KindTransient, message, err) }

// Named errors
var (
	ErrInvalidExpiry      = &Error{Kind: KindValidation, Code: "invalid_expiry", Message: "Invalid expiration days"}
	ErrInvalidStatus      = &Error{Kind: KindValidation, Code: "invalid_status", Message: "Invalid status. Must be active, inactive, or revoked"}
	ErrInvalidState       = &Error{Kind: KindInvalidState, Code: "invalid_state", Message: "Cannot regenerate revoked key"}
	ErrReactivateRevoked  = &Error{Kind: KindInvalidState, Code: "reactivate_revoked", Message: "Cannot reactivate a revoked key"}
	ErrQuotaExceeded      = &Error{Kind: KindQuota, Code: "quota_exceeded", Message: "Maximum number of API keys reached (10)"}
	ErrKeyNotFound        = &Error{Kind: KindNotFound, Code: "key_not_found", Message: "API key not found"}
	ErrUserNotFound       = &Error{Kind: KindNotFound, Code: "user_not_found", Message: "User not found"}
	ErrInvalidUser        = &Error{Kind: KindValidation, Code: "invalid_user", Message: "Invalid user"}
	ErrInvalidCredentials = &Error{Kind: KindAuth, Code: "invalid_credentials", Message: "Invalid username or password"}
	ErrEmailNotVerified   = &Error{Kind: KindForbidden, Code: "email_not_verified", Message: "Please verify your email first"}
	ErrAlreadyVerified    = &Error{Kind: KindValidation, Code: "already_verified", Message: "Email already verified"}
	ErrInvalidOTP         = &Error{Kind: KindValidation, Code: "invalid_otp", Message: "Invalid or expired OTP code"}
	ErrTooManyAttempts    = &Error{Kind: KindRateLimited, Code: "too_many_attempts", Message: "Too many verification attempts. Please try again later."}
	ErrKeyConflict        = &Error{Kind: KindConflict, Code: "key_conflict", Message: "API key already exists"}
	ErrEmailDelivery      = &Error{Kind: KindTransient, Code: "email_delivery", Message: "Failed to send verification email"}
)

// KindOf returns the Kind of err, or KindInternal when err is not an *Error
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}
