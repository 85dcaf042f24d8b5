// account.go validates the identity fields submitted at registration and on
// email change.
package validation

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinUsernameLength is the shortest accepted username
const MinUsernameLength = 3

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Validation errors. Their messages are returned to clients as-is.
var (
	ErrUsernameTooShort = errors.New("Username must be at least 3 characters long")
	ErrInvalidEmail     = errors.New("Invalid email format")
)

// NormalizeEmail trims and lower-cases an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks an already normalized address
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateUsername checks the username length in characters
func ValidateUsername(username string) error {
	if utf8.RuneCountInString(username) < MinUsernameLength {
		return ErrUsernameTooShort
	}
	return nil
}
