package models

import (
	"time"
)

const (
	RoleMember = "member"
	RoleAdmin  = "admin"

	StatusActive   = "active"
	StatusDisabled = "disabled"
)

type User struct {
	ID                     string
	Email                  string
	PasswordHash           string // empty for OAuth-only users
	FullName               string
	AvatarURL              string
	Role                   string // "member", "admin"
	Status                 string // "active", "disabled"
	PasswordChangeRequired bool
	LastLoginAt            *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// HasPassword reports whether the user has a password credential.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// OAuthAccount links a user to an identity at an external provider.
// A user may have several, at most one per provider.
type OAuthAccount struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	ProviderEmail  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
