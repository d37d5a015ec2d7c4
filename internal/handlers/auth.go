package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mknutsen/libris/internal/auth"
	"github.com/mknutsen/libris/internal/middleware"
	"github.com/mknutsen/libris/internal/models"
	"github.com/mknutsen/libris/internal/services"
	pkgauth "github.com/mknutsen/libris/pkg/auth"
	pkghttp "github.com/mknutsen/libris/pkg/http"
)

// LoginServiceInterface defines the interface for password login
type LoginServiceInterface interface {
	LoginWithPassword(ctx context.Context, email, password, ipAddress string) (*services.LoginResult, error)
}

// SessionServiceInterface defines the interface for session lifecycle operations
type SessionServiceInterface interface {
	EstablishSession(ctx context.Context, tempToken string) (*services.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, newPassword string) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	login     LoginServiceInterface
	sessions  SessionServiceInterface
	cookieCfg auth.CookieConfig
	ipConfig  *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(login LoginServiceInterface, sessions SessionServiceInterface, cookieCfg auth.CookieConfig, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		login:     login,
		sessions:  sessions,
		cookieCfg: cookieCfg,
		ipConfig:  ipConfig,
	}
}

// Request DTOs

// LoginRequest represents the request body for password login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// EstablishSessionRequest represents the request body for temp token exchange
type EstablishSessionRequest struct {
	TempToken string `json:"tempToken" validate:"required"`
}

// RequestPasswordResetRequest represents the request body for a reset link
type RequestPasswordResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest represents the request body for completing a reset
type ResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

// SessionResponse is the success payload for login and session establishment
type SessionResponse struct {
	User    *services.UserResponse `json:"user"`
	Success bool                   `json:"success"`
}

// LoginWithPassword handles POST /auth/login_with_password
func (h *AuthHandler) LoginWithPassword(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	result, err := h.login.LoginWithPassword(r.Context(), req.Email, req.Password, ipAddress)
	if err != nil {
		var lockout *services.LockoutError
		switch {
		case errors.As(err, &lockout):
			pkghttp.WriteTooManyRequests(w, "Too many failed login attempts. "+retryMessage(lockout))
		case errors.Is(err, models.ErrUnauthorized),
			errors.Is(err, models.ErrAccountDisabled):
			// One generic answer for every credential or account problem,
			// so responses cannot be used to enumerate accounts.
			pkghttp.WriteUnauthorized(w, "Invalid email or password")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	auth.SetSessionCookie(w, result.Token, result.ExpiresAt, h.cookieCfg)
	pkghttp.WriteJSON(w, http.StatusOK, SessionResponse{User: result.User, Success: true})
}

func retryMessage(lockout *services.LockoutError) string {
	return "Please try again in " + lockout.RetryAfterMinutes() + "."
}

// EstablishSession handles POST /auth/establish_session
func (h *AuthHandler) EstablishSession(w http.ResponseWriter, r *http.Request) {
	var req EstablishSessionRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.sessions.EstablishSession(r.Context(), req.TempToken)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTokenExpired):
			pkghttp.WriteError(w, http.StatusUnauthorized, "token_expired", "Token has expired")
		case errors.Is(err, models.ErrUnauthorized),
			errors.Is(err, models.ErrAccountDisabled):
			pkghttp.WriteUnauthorized(w, "Invalid or expired token")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	auth.SetSessionCookie(w, result.Token, result.ExpiresAt, h.cookieCfg)
	pkghttp.WriteJSON(w, http.StatusOK, SessionResponse{User: result.User, Success: true})
}

// Logout handles POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if session, ok := middleware.SessionFromContext(r.Context()); ok {
		if err := h.sessions.Logout(r.Context(), session.ID); err != nil {
			pkghttp.WriteInternalError(w, "Internal server error")
			return
		}
	}

	auth.ClearSessionCookie(w, h.cookieCfg)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "Authentication required")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"user": services.PublicProfile(user)})
}

// RequestPasswordReset handles POST /auth/request_password_reset. Responds
// 202 with the same body whether or not the email is registered.
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req RequestPasswordResetRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.sessions.RequestPasswordReset(r.Context(), req.Email); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "If that email address is registered, a reset link has been sent.",
	})
}

// ResetPassword handles POST /auth/reset_password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.sessions.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		var pwErr *pkgauth.PasswordValidationError
		switch {
		case errors.As(err, &pwErr):
			pkghttp.WriteBadRequest(w, "Password does not meet requirements")
		case errors.Is(err, models.ErrTokenExpired):
			pkghttp.WriteError(w, http.StatusUnauthorized, "token_expired", "Token has expired")
		case errors.Is(err, models.ErrUnauthorized):
			pkghttp.WriteUnauthorized(w, "Invalid or expired token")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	auth.ClearSessionCookie(w, h.cookieCfg)
	pkghttp.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}
