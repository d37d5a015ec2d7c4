package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mknutsen/libris/internal/auth"
	"github.com/mknutsen/libris/internal/config"
	"github.com/mknutsen/libris/internal/models"
	pkgauth "github.com/mknutsen/libris/pkg/auth"
	pkglogger "github.com/mknutsen/libris/pkg/logger"
)

// LockoutError reports a rejected login with the time left on the lockout.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("too many failed login attempts, retry in %d minutes", remainingMinutes(e.RetryAfter))
}

func (e *LockoutError) Unwrap() error { return models.ErrTooManyAttempts }

// RetryAfterMinutes renders the remaining lockout as user-facing text.
func (e *LockoutError) RetryAfterMinutes() string {
	m := remainingMinutes(e.RetryAfter)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}

// remainingMinutes rounds a duration up to whole minutes for user-facing text
func remainingMinutes(d time.Duration) int {
	m := int((d + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	FullName    string  `json:"full_name"`
	AvatarURL   string  `json:"avatar_url,omitempty"`
	Role        string  `json:"role"`
	LastLoginAt *string `json:"last_login_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

// PublicProfile maps a user model to its public response shape.
func PublicProfile(user *models.User) *UserResponse {
	return userModelToResponse(user)
}

func userModelToResponse(user *models.User) *UserResponse {
	resp := &UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		FullName:  user.FullName,
		AvatarURL: user.AvatarURL,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	}
	if user.LastLoginAt != nil {
		s := user.LastLoginAt.UTC().Format(time.RFC3339)
		resp.LastLoginAt = &s
	}
	return resp
}

// LoginResult carries everything a handler needs to answer a successful
// authentication: the signed cookie envelope, its expiry, and the profile.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      *UserResponse
}

// LoginService handles password authentication with brute-force lockout.
// Everything that decides or records an attempt for one email runs inside
// a single transaction holding that email's advisory lock, so concurrent
// requests cannot parallelize guesses past the attempt limit.
type LoginService struct {
	runner      TxRunner
	attempts    LoginAttemptStore
	tm          *auth.SessionTokenManager
	guard       config.LoginGuardConfig
	sessionTTL  time.Duration
	timing      *auth.TimingDelay
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// NewLoginService creates a new LoginService. attempts is the non-transactional
// store used only for best-effort cleanup.
func NewLoginService(
	runner TxRunner,
	attempts LoginAttemptStore,
	tm *auth.SessionTokenManager,
	guard config.LoginGuardConfig,
	sessionTTL time.Duration,
	timing *auth.TimingDelay,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *LoginService {
	return &LoginService{
		runner:      runner,
		attempts:    attempts,
		tm:          tm,
		guard:       guard,
		sessionTTL:  sessionTTL,
		timing:      timing,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// LoginWithPassword authenticates an email/password pair and issues a session.
func (s *LoginService) LoginWithPassword(ctx context.Context, email, password, ipAddress string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, models.ErrUnauthorized
	}

	var result *LoginResult

	err := s.runner.RunWithEmailLock(ctx, email, func(st AuthStores) error {
		now := time.Now()
		windowStart := now.Add(-s.guard.LockoutWindow)

		failedCount, err := st.Attempts.CountFailedSince(ctx, email, windowStart)
		if err != nil {
			return err
		}

		if failedCount >= s.guard.MaxFailedAttempts {
			lastFailure, err := st.Attempts.LastFailureSince(ctx, email, windowStart)
			if err != nil {
				return err
			}
			if lastFailure != nil {
				unlockAt := lastFailure.Add(s.guard.LockoutDuration)
				if now.Before(unlockAt) {
					// A blocked check is not an attempt. Recording it would
					// push the last failure forward and extend the lockout
					// for as long as the caller keeps retrying.
					return &LockoutError{RetryAfter: unlockAt.Sub(now)}
				}
			}
		}

		user, err := st.Users.GetByEmail(ctx, email)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}

		if user == nil || !user.HasPassword() || pkgauth.ComparePassword(user.PasswordHash, password) != nil {
			if recErr := st.Attempts.RecordAttempt(ctx, &models.LoginAttempt{
				Email:       email,
				AttemptedAt: now,
				Success:     false,
			}); recErr != nil {
				return recErr
			}
			return models.ErrUnauthorized
		}

		if user.Status != models.StatusActive {
			if recErr := st.Attempts.RecordAttempt(ctx, &models.LoginAttempt{
				Email:       email,
				AttemptedAt: now,
				Success:     false,
			}); recErr != nil {
				return recErr
			}
			return models.ErrAccountDisabled
		}

		if err := st.Attempts.RecordAttempt(ctx, &models.LoginAttempt{
			Email:       email,
			AttemptedAt: now,
			Success:     true,
		}); err != nil {
			return err
		}

		// Reset the failure counter so the next window starts clean.
		if err := st.Attempts.DeleteFailedForEmail(ctx, email); err != nil {
			return err
		}

		session, err := newSession(user.ID, now, s.sessionTTL)
		if err != nil {
			return err
		}
		if err := st.Sessions.Create(ctx, session); err != nil {
			return err
		}

		if err := st.Users.UpdateLoginStamp(ctx, user.ID, now); err != nil {
			return err
		}
		user.LastLoginAt = &now

		token, err := s.tm.Sign(session, user.PasswordChangeRequired)
		if err != nil {
			return err
		}

		result = &LoginResult{
			Token:     token,
			ExpiresAt: session.ExpiresAt,
			User:      userModelToResponse(user),
		}
		return nil
	})

	s.maybeCleanupAttempts(ctx)

	if err != nil {
		s.timing.Wait(false)
		return nil, s.mapLoginError(err, email, ipAddress)
	}

	s.timing.Wait(true)

	s.logger.Info("user logged in", slog.String("user_id", result.User.ID))
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "login_success",
		UserID:    result.User.ID,
		IPAddress: ipAddress,
		Success:   true,
	})

	return result, nil
}

// mapLoginError audits the failure and narrows internal errors so the
// response never reveals whether the email exists.
func (s *LoginService) mapLoginError(err error, email, ipAddress string) error {
	var lockout *LockoutError
	switch {
	case errors.As(err, &lockout):
		s.logger.Warn("login locked out",
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.Duration("retry_after", lockout.RetryAfter))
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_blocked",
			IPAddress:     ipAddress,
			FailureReason: "too_many_attempts",
			Success:       false,
		})
		return lockout
	case errors.Is(err, models.ErrAccountDisabled):
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			IPAddress:     ipAddress,
			FailureReason: "account_disabled",
			Success:       false,
		})
		return models.ErrAccountDisabled
	case errors.Is(err, models.ErrUnauthorized):
		s.logger.Info("login failed: invalid credentials")
		s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
			EventType:     "login_failed",
			IPAddress:     ipAddress,
			FailureReason: "invalid_credentials",
			Success:       false,
		})
		return models.ErrUnauthorized
	default:
		s.logger.Error("login transaction failed", slog.Any("error", err))
		return models.ErrInternalServer
	}
}

// maybeCleanupAttempts sweeps attempt rows too old to influence a lockout
// decision. Runs on a coin flip per request to bound average overhead, and
// never fails the login it rides on.
func (s *LoginService) maybeCleanupAttempts(ctx context.Context) {
	if rand.Float64() >= s.guard.CleanupChance {
		return
	}

	cutoff := time.Now().Add(-s.guard.LockoutWindow)
	deleted, err := s.attempts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("login attempt cleanup failed", slog.Any("error", err))
		return
	}
	if deleted > 0 {
		s.logger.Debug("swept stale login attempts", slog.Int64("deleted", deleted))
	}
}

// newSession builds a session row with a fresh opaque id.
func newSession(userID string, now time.Time, ttl time.Duration) (*models.Session, error) {
	id, err := pkgauth.GenerateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	return &models.Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
	}, nil
}
