package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mknutsen/libris/internal/auth"
	"github.com/mknutsen/libris/internal/models"
	pkgauth "github.com/mknutsen/libris/pkg/auth"
	pkglogger "github.com/mknutsen/libris/pkg/logger"
)

// SessionService handles session lifecycle: exchanging single-use tokens
// for durable sessions, authenticating requests, logout, and the password
// reset flow (which rides on the same single-use token mechanics).
type SessionService struct {
	runner        TxRunner
	sessions      SessionStore
	users         UserStore
	tm            *auth.SessionTokenManager
	email         EmailSender
	sessionTTL    time.Duration
	resetTokenTTL time.Duration
	logger        *slog.Logger
	auditLogger   *pkglogger.AuditLogger
}

// NewSessionService creates a new SessionService
func NewSessionService(
	runner TxRunner,
	sessions SessionStore,
	users UserStore,
	tm *auth.SessionTokenManager,
	email EmailSender,
	sessionTTL time.Duration,
	resetTokenTTL time.Duration,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *SessionService {
	return &SessionService{
		runner:        runner,
		sessions:      sessions,
		users:         users,
		tm:            tm,
		email:         email,
		sessionTTL:    sessionTTL,
		resetTokenTTL: resetTokenTTL,
		logger:        logger,
		auditLogger:   auditLogger,
	}
}

// EstablishSession converts a single-use temp token into a durable session,
// exactly once. The delete is the atomic consumption event: a concurrent or
// replayed exchange finds no row and fails, with no window where the token
// is valid twice.
func (s *SessionService) EstablishSession(ctx context.Context, tempToken string) (*LoginResult, error) {
	tempToken = strings.TrimSpace(tempToken)
	if tempToken == "" {
		return nil, models.ErrUnauthorized
	}

	var result *LoginResult

	err := s.runner.Run(ctx, func(st AuthStores) error {
		temp, err := st.Sessions.GetByID(ctx, tempToken)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return models.ErrUnauthorized
			}
			return err
		}

		now := time.Now()
		if temp.Expired(now) {
			// Clean up on the failure path too so expired tokens never linger.
			if _, delErr := st.Sessions.Delete(ctx, temp.ID); delErr != nil {
				return delErr
			}
			return models.ErrTokenExpired
		}

		deleted, err := st.Sessions.Delete(ctx, temp.ID)
		if err != nil {
			return err
		}
		if !deleted {
			// Lost the race to another exchange of the same token.
			return models.ErrUnauthorized
		}

		user, err := st.Users.GetByID(ctx, temp.UserID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// Orphaned token. The row is already gone; just refuse.
				return models.ErrUnauthorized
			}
			return err
		}
		if user.Status != models.StatusActive {
			return models.ErrAccountDisabled
		}

		// Never reuse the temp token's id as the session id.
		session, err := newSession(user.ID, now, s.sessionTTL)
		if err != nil {
			return err
		}
		if err := st.Sessions.Create(ctx, session); err != nil {
			return err
		}

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
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized),
			errors.Is(err, models.ErrTokenExpired),
			errors.Is(err, models.ErrAccountDisabled):
			return nil, err
		default:
			s.logger.Error("session establishment failed", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
	}

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "session_established",
		UserID:    result.User.ID,
		Success:   true,
	})

	return result, nil
}

// Authenticate resolves a signed cookie envelope into a live user+session
// pair. Expired sessions are deleted on sight.
func (s *SessionService) Authenticate(ctx context.Context, cookieValue string) (*models.User, *models.Session, error) {
	claims, err := s.tm.Verify(cookieValue)
	if err != nil {
		return nil, nil, models.ErrUnauthorized
	}

	session, err := s.sessions.GetByID(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrUnauthorized
		}
		return nil, nil, err
	}

	now := time.Now()
	if session.Expired(now) {
		if _, err := s.sessions.Delete(ctx, session.ID); err != nil {
			s.logger.Warn("failed to delete expired session", slog.Any("error", err))
		}
		return nil, nil, models.ErrUnauthorized
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, models.ErrUnauthorized
		}
		return nil, nil, err
	}
	if user.Status != models.StatusActive {
		return nil, nil, models.ErrUnauthorized
	}

	if err := s.sessions.TouchLastAccessed(ctx, session.ID, now); err != nil {
		s.logger.Warn("failed to touch session", slog.Any("error", err))
	}
	session.LastAccessed = now

	return user, session, nil
}

// Logout deletes the server-side session row. Deleting an already-gone
// session is not an error.
func (s *SessionService) Logout(ctx context.Context, sessionID string) error {
	if _, err := s.sessions.Delete(ctx, sessionID); err != nil {
		s.logger.Error("logout failed", slog.Any("error", err))
		return models.ErrInternalServer
	}
	return nil
}

// RequestPasswordReset issues a single-use reset token and mails a link.
// The response is identical whether or not the email is registered, so the
// endpoint cannot be used for enumeration.
func (s *SessionService) RequestPasswordReset(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return models.ErrBadRequest
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("password reset requested for unknown email")
			return nil
		}
		s.logger.Error("password reset lookup failed", slog.Any("error", err))
		return models.ErrInternalServer
	}

	now := time.Now()
	token, err := newSession(user.ID, now, s.resetTokenTTL)
	if err != nil {
		return models.ErrInternalServer
	}
	if err := s.sessions.Create(ctx, token); err != nil {
		s.logger.Error("failed to create reset token", slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.email.SendPasswordResetEmail(ctx, user.Email, token.ID, token.ExpiresAt); err != nil {
		// The token row exists but the mail never left; expire it rather
		// than leave a live secret nobody received.
		if _, delErr := s.sessions.Delete(ctx, token.ID); delErr != nil {
			s.logger.Warn("failed to delete unsent reset token", slog.Any("error", delErr))
		}
		return models.ErrInternalServer
	}

	s.auditLogger.LogAccountAction("password_reset_requested", user.ID, "")
	return nil
}

// ResetPassword consumes a reset token (same delete-then-act single-use
// mechanics as EstablishSession), sets the new password, and revokes every
// other session the user holds.
func (s *SessionService) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.ErrUnauthorized
	}

	if err := pkgauth.ValidatePassword(newPassword); err != nil {
		return err
	}

	hash, err := pkgauth.HashPassword(newPassword)
	if err != nil {
		return models.ErrInternalServer
	}

	var userID string

	err = s.runner.Run(ctx, func(st AuthStores) error {
		row, err := st.Sessions.GetByID(ctx, token)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return models.ErrUnauthorized
			}
			return err
		}

		now := time.Now()
		if row.Expired(now) {
			if _, delErr := st.Sessions.Delete(ctx, row.ID); delErr != nil {
				return delErr
			}
			return models.ErrTokenExpired
		}

		deleted, err := st.Sessions.Delete(ctx, row.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return models.ErrUnauthorized
		}

		if err := st.Users.UpdatePassword(ctx, row.UserID, hash); err != nil {
			return err
		}

		// A password change invalidates everything issued before it.
		if _, err := st.Sessions.DeleteAllForUser(ctx, row.UserID); err != nil {
			return err
		}

		userID = row.UserID
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrUnauthorized), errors.Is(err, models.ErrTokenExpired):
			return err
		default:
			s.logger.Error("password reset failed", slog.Any("error", err))
			return models.ErrInternalServer
		}
	}

	s.auditLogger.LogAccountAction("password_reset_completed", userID, "")
	return nil
}
