// Package accounts implements the /auth HTTP handlers: registration, email
// verification passcodes, login, and the password and email change flows.
// The business rules live in services.AccountService; these handlers only
// bind requests and shape responses.
package accounts

import (
	"net/http"

	"github.com/api-manager/api-manager/internal/api/views"
	"github.com/api-manager/api-manager/internal/middleware"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/gin-gonic/gin"
)

// AuthHandlers handles account endpoints
type AuthHandlers struct {
	accounts *services.AccountService
}

// NewAuthHandlers creates a new AuthHandlers instance
func NewAuthHandlers(accounts *services.AccountService) *AuthHandlers {
	return &AuthHandlers{accounts: accounts}
}

// RegisterRequest is the registration body
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// VerifyOTPRequest is the email verification body
type VerifyOTPRequest struct {
	UserID  string `json:"user_id"`
	OTPCode string `json:"otp_code"`
}

// LoginRequest is the login body. Username may also be an email address.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ChangePasswordRequest is the password change body
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// UpdateEmailRequest is the email change body
type UpdateEmailRequest struct {
	NewEmail string `json:"new_email"`
	Password string `json:"password"`
}

// ResetPasswordRequest is the password reset body
type ResetPasswordRequest struct {
	Email           string `json:"email"`
	OTPCode         string `json:"otp_code"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// @Summary      Register
// @Description  Create an account. The first account becomes an admin and needs no verification; every other account is sent a verification code.
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        body  body  RegisterRequest  true  "Account details"
// @Success      201  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Validation error or duplicate"
// @Failure      500  {object}  map[string]interface{}  "Verification email could not be sent"
// @Router       /auth/register [post]
// RegisterHandler creates an account
func (h *AuthHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if !views.BindJSON(c, &req) {
			return
		}

		res, err := h.accounts.Register(c.Request.Context(), services.RegisterInput{
			Username: req.Username,
			Email:    req.Email,
			Password: req.Password,
		}, views.Actor(c))
		if err != nil {
			views.Error(c, "register", err)
			return
		}

		message := "Registration successful! Please check your email for verification code."
		if !res.RequiresOTP {
			message = "Admin account created successfully!"
		}
		c.JSON(http.StatusCreated, gin.H{
			"message":      message,
			"user_id":      res.User.ID,
			"requires_otp": res.RequiresOTP,
		})
	}
}

// VerifyOTPHandler confirms an email address with its passcode
// POST /auth/verify_otp
func (h *AuthHandlers) VerifyOTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req VerifyOTPRequest
		if !views.BindJSON(c, &req) {
			return
		}

		user, err := h.accounts.VerifyOTP(c.Request.Context(), req.UserID, req.OTPCode, views.Actor(c))
		if err != nil {
			views.Error(c, "verify otp", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "Email verified successfully!",
			"user":    views.NewUser(user),
		})
	}
}

// ResendOTPHandler replaces the pending passcode and emails it again
// POST /auth/resend_otp
func (h *AuthHandlers) ResendOTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id"`
		}
		if !views.BindJSON(c, &req) {
			return
		}

		if err := h.accounts.ResendOTP(c.Request.Context(), req.UserID); err != nil {
			views.Error(c, "resend otp", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "New OTP sent to your email"})
	}
}

// @Summary      Log in
// @Description  Authenticate with username (or email) and password. Returns a bearer session token.
// @Tags         Auth
// @Accept       json
// @Produce      json
// @Param        body  body  LoginRequest  true  "Credentials"
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}  "Invalid username or password"
// @Failure      403  {object}  map[string]interface{}  "Email not verified"
// @Router       /auth/login [post]
// LoginHandler issues a session token
func (h *AuthHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if !views.BindJSON(c, &req) {
			return
		}

		res, err := h.accounts.Login(c.Request.Context(), req.Username, req.Password, views.Actor(c))
		if err != nil {
			views.Error(c, "login", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":    "Login successful!",
			"user":       views.NewUser(res.User),
			"token":      res.Token,
			"expires_at": res.ExpiresAt.UTC(),
		})
	}
}

// LogoutHandler ends a session. Sessions are stateless tokens, so the client
// discarding its token is the logout.
// POST /auth/logout
func (h *AuthHandlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
	}
}

// MeHandler returns the session's account
// GET /auth/me
func (h *AuthHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": views.NewUser(user)})
	}
}

// ChangePasswordHandler replaces the password of the session's account
// POST /auth/change_password
func (h *AuthHandlers) ChangePasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		var req ChangePasswordRequest
		if !views.BindJSON(c, &req) {
			return
		}

		err := h.accounts.ChangePassword(c.Request.Context(), user, services.ChangePasswordInput{
			CurrentPassword: req.CurrentPassword,
			NewPassword:     req.NewPassword,
			ConfirmPassword: req.ConfirmPassword,
		}, views.Actor(c))
		if err != nil {
			views.Error(c, "change password", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Password changed successfully!"})
	}
}

// UpdateEmailHandler moves the session's account to a new address, which
// must then be verified
// POST /auth/update_email
func (h *AuthHandlers) UpdateEmailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		var req UpdateEmailRequest
		if !views.BindJSON(c, &req) {
			return
		}

		if err := h.accounts.UpdateEmail(c.Request.Context(), user, req.NewEmail, req.Password, views.Actor(c)); err != nil {
			views.Error(c, "update email", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "OTP sent to new email. Please verify to complete the change.",
			"user_id": user.ID,
		})
	}
}

// ForgotPasswordHandler sends a reset code. The response never reveals
// whether the address belongs to an account.
// POST /auth/forgot_password
func (h *AuthHandlers) ForgotPasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email string `json:"email"`
		}
		if !views.BindJSON(c, &req) {
			return
		}

		if err := h.accounts.ForgotPassword(c.Request.Context(), req.Email); err != nil {
			views.Error(c, "forgot password", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "If the email exists, a reset code has been sent"})
	}
}

// ResetPasswordHandler sets a new password using a reset code
// POST /auth/reset_password
func (h *AuthHandlers) ResetPasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResetPasswordRequest
		if !views.BindJSON(c, &req) {
			return
		}

		err := h.accounts.ResetPassword(c.Request.Context(), services.ResetPasswordInput{
			Email:           req.Email,
			OTPCode:         req.OTPCode,
			NewPassword:     req.NewPassword,
			ConfirmPassword: req.ConfirmPassword,
		}, views.Actor(c))
		if err != nil {
			views.Error(c, "reset password", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Password reset successful!"})
	}
}
