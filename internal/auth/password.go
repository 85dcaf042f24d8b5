// password.go holds password hashing and the strength rules applied at
// registration, password change and password reset.
package auth

import (
	"fmt"
	"unicode"

	zxcvbn "github.com/nbutton23/zxcvbn-go"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the minimum accepted password length
const MinPasswordLength = 8

// HashPassword hashes a password with bcrypt at the given cost.
// A cost of 0 uses bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored bcrypt hash
func CheckPassword(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// PasswordError describes the first strength rule a password violates
type PasswordError struct {
	Code    string
	Message string
}

func (e *PasswordError) Error() string {
	return e.Message
}

// PasswordRule validates one aspect of a password
type PasswordRule interface {
	Check(password string) error
}

// PasswordRuleFunc adapts a function to PasswordRule
type PasswordRuleFunc func(password string) error

// Check implements PasswordRule
func (f PasswordRuleFunc) Check(password string) error {
	return f(password)
}

// PasswordPolicy applies rules in order and reports the first violation
type PasswordPolicy struct {
	rules []PasswordRule
}

// NewPasswordPolicy builds a policy from the given rules
func NewPasswordPolicy(rules ...PasswordRule) *PasswordPolicy {
	return &PasswordPolicy{rules: rules}
}

// DefaultPasswordPolicy requires an uppercase letter, a lowercase letter, a
// digit and MinPasswordLength characters. When minScore > 0 a zxcvbn score
// check is appended. Character classes are checked before length so that
// "short1" reports the missing uppercase letter.
func DefaultPasswordPolicy(minScore int) *PasswordPolicy {
	rules := []PasswordRule{
		requireClass("uppercase", "Password must contain at least one uppercase letter", unicode.IsUpper),
		requireClass("lowercase", "Password must contain at least one lowercase letter", unicode.IsLower),
		requireClass("digit", "Password must contain at least one number", unicode.IsDigit),
		MinLengthRule(MinPasswordLength),
	}
	if minScore > 0 {
		rules = append(rules, StrengthScoreRule(minScore))
	}
	return NewPasswordPolicy(rules...)
}

// Validate returns nil or the first *PasswordError
func (p *PasswordPolicy) Validate(password string, userInputs ...string) error {
	for _, rule := range p.rules {
		if sr, ok := rule.(scoreRule); ok {
			if err := sr.checkWithInputs(password, userInputs); err != nil {
				return err
			}
			continue
		}
		if err := rule.Check(password); err != nil {
			return err
		}
	}
	return nil
}

// MinLengthRule rejects passwords shorter than n characters
func MinLengthRule(n int) PasswordRule {
	return PasswordRuleFunc(func(password string) error {
		if len([]rune(password)) < n {
			return &PasswordError{
				Code:    "length",
				Message: fmt.Sprintf("Password must be at least %d characters long", n),
			}
		}
		return nil
	})
}

func requireClass(code, message string, match func(rune) bool) PasswordRule {
	return PasswordRuleFunc(func(password string) error {
		for _, r := range password {
			if match(r) {
				return nil
			}
		}
		return &PasswordError{Code: code, Message: message}
	})
}

// scoreRule is a zxcvbn check that can also see user-specific inputs
// (username, email) so passwords built from them score low.
type scoreRule struct {
	minScore int
}

// StrengthScoreRule enforces a minimum zxcvbn score (1-4)
func StrengthScoreRule(minScore int) PasswordRule {
	if minScore > 4 {
		minScore = 4
	}
	return scoreRule{minScore: minScore}
}

func (r scoreRule) Check(password string) error {
	return r.checkWithInputs(password, nil)
}

func (r scoreRule) checkWithInputs(password string, userInputs []string) error {
	if r.minScore <= 0 {
		return nil
	}
	result := zxcvbn.PasswordStrength(password, userInputs)
	if result.Score >= r.minScore {
		return nil
	}
	return &PasswordError{
		Code:    "strength",
		Message: "Password is too easy to guess",
	}
}
