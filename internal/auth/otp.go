// otp.go generates and checks the 6-digit one-time passcodes used for email
// verification, email change and password reset.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"
)

const (
	// OTPDigits is the number of digits in a passcode
	OTPDigits = 6

	// OTPValidity is how long a passcode stays valid after issuance
	OTPValidity = 10 * time.Minute
)

var otpUpperBound = big.NewInt(1_000_000)

// GenerateOTP returns a zero-padded code sampled uniformly from 000000-999999
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpUpperBound)
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", OTPDigits, n.Int64()), nil
}

// VerifyOTP checks a presented code against the pending one. It fails closed
// when no code or issuance time is stored, and when more than ttl has passed
// since issuance. A ttl of 0 uses OTPValidity.
func VerifyOTP(pending *string, issuedAt *time.Time, presented string, now time.Time, ttl time.Duration) bool {
	if pending == nil || *pending == "" || issuedAt == nil {
		return false
	}
	if ttl == 0 {
		ttl = OTPValidity
	}
	if now.Sub(*issuedAt) > ttl {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(*pending), []byte(presented)) == 1
}
