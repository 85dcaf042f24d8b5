// accounts.go implements AccountService: registration with first-user admin
// election, email verification passcodes, login with history and alerts,
// and the password and email change flows.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/api-manager/api-manager/internal/audit"
	"github.com/api-manager/api-manager/internal/auth"
	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/mail"
	"github.com/api-manager/api-manager/internal/telemetry"
	"github.com/api-manager/api-manager/internal/throttle"
	"github.com/api-manager/api-manager/internal/validation"
)

// RegisterInput is the registration form
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// RegisterResult describes a new account. RequiresOTP is false for the
// first account, which is created verified and admin.
type RegisterResult struct {
	User        *models.User
	RequiresOTP bool
}

// LoginResult carries the session issued at login
type LoginResult struct {
	User      *models.User
	Token     string
	ExpiresAt time.Time
}

// ChangePasswordInput is the password change form
type ChangePasswordInput struct {
	CurrentPassword string
	NewPassword     string
	ConfirmPassword string
}

// ResetPasswordInput is the password reset form
type ResetPasswordInput struct {
	Email           string
	OTPCode         string
	NewPassword     string
	ConfirmPassword string
}

// AccountService manages user accounts and their credentials
type AccountService struct {
	users      *repositories.UserRepository
	logins     *repositories.LoginHistoryRepository
	sessions   *auth.SessionManager
	sender     mail.Sender
	audit      *audit.Recorder
	attempts   throttle.AttemptLimiter
	policy     *auth.PasswordPolicy
	bcryptCost int
	otpTTL     time.Duration
	now        func() time.Time
	newOTP     func() (string, error)
}

// NewAccountService creates an AccountService. attempts throttles failed
// passcode checks per user.
func NewAccountService(
	users *repositories.UserRepository,
	logins *repositories.LoginHistoryRepository,
	sessions *auth.SessionManager,
	sender mail.Sender,
	recorder *audit.Recorder,
	attempts throttle.AttemptLimiter,
	authCfg *config.AuthConfig,
	otpCfg *config.OTPConfig,
) *AccountService {
	s := &AccountService{
		users:      users,
		logins:     logins,
		sessions:   sessions,
		sender:     sender,
		audit:      recorder,
		attempts:   attempts,
		policy:     auth.DefaultPasswordPolicy(authCfg.MinPasswordScore),
		bcryptCost: authCfg.BcryptCost,
		otpTTL:     otpCfg.TTL,
		now:        time.Now,
		newOTP:     auth.GenerateOTP,
	}
	if s.otpTTL == 0 {
		s.otpTTL = auth.OTPValidity
	}
	if s.attempts == nil {
		s.attempts = throttle.NewMemoryAttemptLimiter(otpCfg.MaxAttempts, otpCfg.AttemptWindow)
	}
	return s
}

func (s *AccountService) checkPassword(password string, userInputs ...string) error {
	if err := s.policy.Validate(password, userInputs...); err != nil {
		var pe *auth.PasswordError
		if errors.As(err, &pe) {
			return Validation(pe.Message)
		}
		return err
	}
	return nil
}

func userConflict(err error) error {
	switch repositories.ConflictConstraint(err) {
	case repositories.ConstraintUsername:
		return Conflict("Username already exists", err)
	default:
		return Conflict("Email already registered", err)
	}
}

// Register creates an account. The first account ever created becomes a
// verified admin and receives no passcode; every other account gets a
// passcode by email. A failed send leaves the account in place and returns
// ErrEmailDelivery so the client can ask for a resend.
func (s *AccountService) Register(ctx context.Context, in RegisterInput, actor Actor) (*RegisterResult, error) {
	username := strings.TrimSpace(in.Username)
	email := validation.NormalizeEmail(in.Email)
	if username == "" || email == "" || in.Password == "" {
		return nil, Validation("All fields are required")
	}
	if err := validation.ValidateUsername(username); err != nil {
		return nil, Validation(err.Error())
	}
	if err := validation.ValidateEmail(email); err != nil {
		return nil, Validation(err.Error())
	}
	if err := s.checkPassword(in.Password, username, email); err != nil {
		return nil, err
	}

	if existing, err := s.users.GetUserByUsername(ctx, username); err != nil {
		return nil, fmt.Errorf("failed to look up username: %w", err)
	} else if existing != nil {
		return nil, Conflict("Username already exists", nil)
	}
	if existing, err := s.users.GetUserByEmail(ctx, email); err != nil {
		return nil, fmt.Errorf("failed to look up email: %w", err)
	} else if existing != nil {
		return nil, Conflict("Email already registered", nil)
	}

	hash, err := auth.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	code, err := s.newOTP()
	if err != nil {
		return nil, err
	}
	issuedAt := s.now().UTC()

	user := &models.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		OTPCode:      &code,
		OTPCreatedAt: &issuedAt,
		CreatedAt:    issuedAt,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, userConflict(err)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	actor.UserID = user.ID
	s.record(actor, audit.ActionRegister, user.ID, true, map[string]interface{}{"admin": user.IsAdmin})

	if user.IsAdmin {
		slog.Info("first user registered as admin", "user_id", user.ID)
		return &RegisterResult{User: user, RequiresOTP: false}, nil
	}
	if err := s.sendVerification(ctx, user.Email, code); err != nil {
		return nil, err
	}
	return &RegisterResult{User: user, RequiresOTP: true}, nil
}

func (s *AccountService) sendVerification(ctx context.Context, to, code string) error {
	msg, err := mail.VerificationEmail(code, s.otpTTL)
	if err != nil {
		return err
	}
	if err := mail.Deliver(ctx, s.sender, to, msg); err != nil {
		return &Error{Kind: KindTransient, Code: ErrEmailDelivery.Code, Message: ErrEmailDelivery.Message, Err: err}
	}
	return nil
}

func (s *AccountService) loadUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidUser
	}
	return user, nil
}

// consumeOTP checks a passcode for user under the attempt throttle and, when
// it matches, runs consume with the oldest acceptable issuance time. consume
// reports false when the code was used or replaced concurrently.
func (s *AccountService) consumeOTP(ctx context.Context, user *models.User, code string, consume func(notBefore time.Time) (bool, error)) error {
	blocked, err := s.attempts.Blocked(ctx, user.ID)
	if err != nil {
		return Transient("Verification temporarily unavailable", err)
	}
	if blocked {
		telemetry.OTPVerificationsTotal.WithLabelValues("throttled").Inc()
		telemetry.RateLimitedRequestsTotal.WithLabelValues("otp").Inc()
		return ErrTooManyAttempts
	}

	now := s.now().UTC()
	if !auth.VerifyOTP(user.OTPCode, user.OTPCreatedAt, code, now, s.otpTTL) {
		s.recordOTPFailure(ctx, user.ID)
		return ErrInvalidOTP
	}

	ok, err := consume(now.Add(-s.otpTTL))
	if err != nil {
		return fmt.Errorf("failed to consume otp: %w", err)
	}
	if !ok {
		s.recordOTPFailure(ctx, user.ID)
		return ErrInvalidOTP
	}

	if err := s.attempts.Reset(ctx, user.ID); err != nil {
		slog.Warn("failed to reset otp attempts", "user_id", user.ID, "error", err)
	}
	telemetry.OTPVerificationsTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *AccountService) recordOTPFailure(ctx context.Context, userID string) {
	telemetry.OTPVerificationsTotal.WithLabelValues("invalid").Inc()
	if err := s.attempts.RecordFailure(ctx, userID); err != nil {
		slog.Warn("failed to record otp attempt", "user_id", userID, "error", err)
	}
}

// VerifyOTP marks the user's email verified when code is their live passcode.
// The passcode is cleared in the same statement, so it works at most once.
func (s *AccountService) VerifyOTP(ctx context.Context, userID, code string, actor Actor) (*models.User, error) {
	userID = strings.TrimSpace(userID)
	code = strings.TrimSpace(code)
	if userID == "" || code == "" {
		return nil, Validation("User ID and OTP code are required")
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.OTPVerified {
		return nil, ErrAlreadyVerified
	}

	err = s.consumeOTP(ctx, user, code, func(notBefore time.Time) (bool, error) {
		return s.users.VerifyEmailWithOTP(ctx, user.ID, code, notBefore)
	})
	if err != nil {
		return nil, err
	}

	user.OTPVerified = true
	user.OTPCode = nil
	user.OTPCreatedAt = nil
	actor.UserID = user.ID
	s.record(actor, audit.ActionEmailVerified, user.ID, true, nil)
	return user, nil
}

// ResendOTP replaces the user's pending passcode and emails the new one
func (s *AccountService) ResendOTP(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Validation("User ID is required")
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.OTPVerified {
		return ErrAlreadyVerified
	}
	code, err := s.issueOTP(ctx, user.ID)
	if err != nil {
		return err
	}
	return s.sendVerification(ctx, user.Email, code)
}

func (s *AccountService) issueOTP(ctx context.Context, userID string) (string, error) {
	code, err := s.newOTP()
	if err != nil {
		return "", err
	}
	if err := s.users.SetOTP(ctx, userID, code, s.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to store otp: %w", err)
	}
	return code, nil
}

// Login authenticates by username or email. Every attempt against an existing
// account is written to the login history. A correct password on an
// unverified account is refused with ErrEmailNotVerified.
func (s *AccountService) Login(ctx context.Context, identifier, password string, actor Actor) (*LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, Validation("Username and password are required")
	}

	user, err := s.users.GetUserByUsernameOrEmail(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		telemetry.LoginAttemptsTotal.WithLabelValues("unknown_user").Inc()
		s.record(actor, audit.ActionLoginFailure, "", false, map[string]interface{}{"reason": "unknown_user"})
		return nil, ErrInvalidCredentials
	}
	actor.UserID = user.ID

	passwordOK := auth.CheckPassword(password, user.PasswordHash)
	success := passwordOK && user.OTPVerified
	now := s.now().UTC()
	s.writeHistory(ctx, user.ID, now, actor, success)

	switch {
	case !passwordOK:
		telemetry.LoginAttemptsTotal.WithLabelValues("bad_credentials").Inc()
		s.record(actor, audit.ActionLoginFailure, user.ID, false, map[string]interface{}{"reason": "bad_credentials"})
		return nil, ErrInvalidCredentials
	case !user.OTPVerified:
		telemetry.LoginAttemptsTotal.WithLabelValues("unverified").Inc()
		s.record(actor, audit.ActionLoginFailure, user.ID, false, map[string]interface{}{"reason": "unverified"})
		return nil, ErrEmailNotVerified
	}

	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}
	user.LastLogin = &now

	token, expiresAt, err := s.sessions.Issue(user.ID, user.IsAdmin)
	if err != nil {
		return nil, err
	}

	telemetry.LoginAttemptsTotal.WithLabelValues("success").Inc()
	s.record(actor, audit.ActionLoginSuccess, user.ID, true, nil)
	s.sendLoginAlert(ctx, user, actor.IPAddress, now)

	return &LoginResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

func (s *AccountService) writeHistory(ctx context.Context, userID string, at time.Time, actor Actor, success bool) {
	entry := &models.LoginHistory{
		UserID:    userID,
		Timestamp: at,
		IPAddress: actor.IPAddress,
		Success:   success,
	}
	if actor.UserAgent != "" {
		ua := actor.UserAgent
		entry.UserAgent = &ua
	}
	if err := s.logins.Create(ctx, entry); err != nil {
		slog.Error("failed to write login history", "user_id", userID, "error", err)
	}
}

func (s *AccountService) sendLoginAlert(ctx context.Context, user *models.User, ip string, at time.Time) {
	msg, err := mail.LoginAlertEmail(user.Username, ip, at)
	if err != nil {
		slog.Error("failed to render login alert", "user_id", user.ID, "error", err)
		return
	}
	if err := mail.Deliver(ctx, s.sender, user.Email, msg); err != nil {
		slog.Warn("failed to send login alert", "user_id", user.ID, "error", err)
	}
}

// CurrentUser reloads the user a session belongs to
func (s *AccountService) CurrentUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// ChangePassword replaces the password after checking the current one
func (s *AccountService) ChangePassword(ctx context.Context, user *models.User, in ChangePasswordInput, actor Actor) error {
	if in.CurrentPassword == "" || in.NewPassword == "" || in.ConfirmPassword == "" {
		return Validation("All fields are required")
	}
	if in.NewPassword != in.ConfirmPassword {
		return Validation("New passwords do not match")
	}
	if !auth.CheckPassword(in.CurrentPassword, user.PasswordHash) {
		return Validation("Current password is incorrect")
	}
	if err := s.checkPassword(in.NewPassword, user.Username, user.Email); err != nil {
		return err
	}

	hash, err := auth.HashPassword(in.NewPassword, s.bcryptCost)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	user.PasswordHash = hash
	s.record(actor, audit.ActionPasswordChanged, user.ID, true, nil)
	return nil
}

// UpdateEmail moves the account to a new address. The account becomes
// unverified until the passcode sent to the new address is confirmed.
func (s *AccountService) UpdateEmail(ctx context.Context, user *models.User, newEmail, password string, actor Actor) error {
	email := validation.NormalizeEmail(newEmail)
	if email == "" || password == "" {
		return Validation("Email and password are required")
	}
	if err := validation.ValidateEmail(email); err != nil {
		return Validation(err.Error())
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return Validation("Password is incorrect")
	}

	existing, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to look up email: %w", err)
	}
	if existing != nil && existing.ID != user.ID {
		return Conflict("Email already registered", nil)
	}

	code, err := s.newOTP()
	if err != nil {
		return err
	}
	issuedAt := s.now().UTC()
	if err := s.users.ChangeEmail(ctx, user.ID, email, code, issuedAt); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return userConflict(err)
		}
		return fmt.Errorf("failed to change email: %w", err)
	}

	previous := user.Email
	user.Email = email
	user.OTPVerified = false
	user.OTPCode = &code
	user.OTPCreatedAt = &issuedAt
	s.record(actor, audit.ActionEmailChanged, user.ID, true, map[string]interface{}{"previous": previous})

	return s.sendVerification(ctx, email, code)
}

// ForgotPassword emails a reset passcode when an account has the address.
// The outcome is not revealed: unknown addresses and delivery failures both
// return nil.
func (s *AccountService) ForgotPassword(ctx context.Context, email string) error {
	email = validation.NormalizeEmail(email)
	if email == "" {
		return Validation("Email is required")
	}
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to look up email: %w", err)
	}
	if user == nil {
		return nil
	}

	code, err := s.issueOTP(ctx, user.ID)
	if err != nil {
		return err
	}
	msg, err := mail.PasswordResetEmail(code, s.otpTTL)
	if err != nil {
		return err
	}
	if err := mail.Deliver(ctx, s.sender, user.Email, msg); err != nil {
		slog.Warn("failed to send password reset email", "user_id", user.ID, "error", err)
	}
	return nil
}

// ResetPassword sets a new password when the reset passcode for email is
// live. The passcode is consumed and the hash replaced in one statement.
func (s *AccountService) ResetPassword(ctx context.Context, in ResetPasswordInput, actor Actor) error {
	email := validation.NormalizeEmail(in.Email)
	code := strings.TrimSpace(in.OTPCode)
	if email == "" || code == "" || in.NewPassword == "" || in.ConfirmPassword == "" {
		return Validation("All fields are required")
	}
	if in.NewPassword != in.ConfirmPassword {
		return Validation("Passwords do not match")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to look up email: %w", err)
	}
	if user == nil {
		return ErrInvalidOTP
	}
	if err := s.checkPassword(in.NewPassword, user.Username, user.Email); err != nil {
		return err
	}
	hash, err := auth.HashPassword(in.NewPassword, s.bcryptCost)
	if err != nil {
		return err
	}

	err = s.consumeOTP(ctx, user, code, func(notBefore time.Time) (bool, error) {
		return s.users.ResetPasswordWithOTP(ctx, user.ID, code, notBefore, hash)
	})
	if err != nil {
		return err
	}

	actor.UserID = user.ID
	s.record(actor, audit.ActionPasswordReset, user.ID, true, nil)
	return nil
}

func (s *AccountService) record(actor Actor, action, userID string, success bool, metadata map[string]interface{}) {
	s.audit.Record(&audit.LogEntry{
		Action:       action,
		UserID:       actor.UserID,
		ResourceType: "user",
		ResourceID:   userID,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		RequestID:    actor.RequestID,
		Success:      audit.Bool(success),
		Metadata:     metadata,
	})
}
