package models

import "time"

// OAuthState tracks one in-flight authorization attempt. The row is the
// single-use guard for the callback: it is deleted once consumed, so a
// replayed state simply fails its lookup.
type OAuthState struct {
	State        string
	Provider     string
	RedirectURL  string // exact URI used when building the authorization URL
	CodeVerifier string // PKCE verifier, empty when the provider does not use PKCE
	CreatedAt    time.Time
	ExpiresAt    time.Time
}
