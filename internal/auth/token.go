package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mknutsen/libris/internal/models"
)

// SessionClaims is the signed envelope carried by the session cookie.
// The session id points at a server-side row; expiry is enforced against
// the row, not the envelope, so the cookie's own max-age is advisory.
type SessionClaims struct {
	SessionID              string `json:"sid"`
	SessionCreatedAt       int64  `json:"created_at"`
	SessionLastAccessed    int64  `json:"last_accessed"`
	PasswordChangeRequired bool   `json:"password_change_required,omitempty"`
	jwt.RegisteredClaims
}

// SessionTokenManager signs and verifies session cookie envelopes. Signing
// is isolated here so the algorithm can be swapped without touching callers.
type SessionTokenManager struct {
	secret []byte
}

// NewSessionTokenManager creates a new SessionTokenManager
func NewSessionTokenManager(secret string) *SessionTokenManager {
	return &SessionTokenManager{secret: []byte(secret)}
}

// Sign wraps a session row in a signed compact token for the cookie.
func (tm *SessionTokenManager) Sign(session *models.Session, passwordChangeRequired bool) (string, error) {
	claims := &SessionClaims{
		SessionID:              session.ID,
		SessionCreatedAt:       session.CreatedAt.Unix(),
		SessionLastAccessed:    session.LastAccessed.Unix(),
		PasswordChangeRequired: passwordChangeRequired,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	return tokenString, nil
}

// Verify parses a session cookie envelope and returns its claims.
func (tm *SessionTokenManager) Verify(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.secret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse session token: %w", err)
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}

	if claims.SessionID == "" {
		return nil, fmt.Errorf("invalid session token: missing session id")
	}

	return claims, nil
}
