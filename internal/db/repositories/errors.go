// errors.go maps driver errors into repository-level sentinels.
package repositories

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrConflict is returned when a write violates a unique constraint
var ErrConflict = errors.New("unique constraint violation")

// ErrQuotaExceeded is returned by CreateWithQuota when the owner already holds
// the maximum number of keys
var ErrQuotaExceeded = errors.New("api key quota exceeded")

// ConflictError wraps ErrConflict with the violated constraint name
type ConflictError struct {
	Constraint string
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConflict.Error(), e.Constraint)
}

// Unwrap lets errors.Is match ErrConflict
func (e *ConflictError) Unwrap() []error {
	return []error{ErrConflict, e.Err}
}

// Constraint names declared in the initial schema
const (
	ConstraintUsername = "users_username_key"
	ConstraintEmail    = "users_email_key"
	ConstraintKeyHash  = "api_keys_key_hash_key"
)

const pqUniqueViolation = "23505"

// ConflictConstraint returns the constraint name of a conflict error, or ""
func ConflictConstraint(err error) string {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Constraint
	}
	return ""
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return &ConflictError{Constraint: pqErr.Constraint, Err: err}
	}
	return err
}
