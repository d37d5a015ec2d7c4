package models

import "time"

// Session is a server-side session row. The same table backs three token
// lifetimes: full browser sessions (~7 days), single-use OAuth exchange
// tokens (5 minutes) and single-use password reset tokens (30 minutes).
// Short-lived rows are deleted the moment they are consumed.
type Session struct {
	ID           string
	UserID       string
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the session is past its expiry at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}
