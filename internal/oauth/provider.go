package oauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// upstreamTimeout bounds token-exchange and userinfo calls so a hanging
// provider cannot hold the callback handler open.
const upstreamTimeout = 30 * time.Second

// Providers the service knows how to talk to. Requests naming anything
// else are rejected before any provider-specific logic runs.
var SupportedProviders = []string{"floot", "google", "github"}

// IsSupported reports whether the provider name is in the allow-list.
func IsSupported(name string) bool {
	for _, p := range SupportedProviders {
		if p == name {
			return true
		}
	}
	return false
}

// UserInfo is the provider-agnostic identity mapped from a vendor's
// userinfo response.
type UserInfo struct {
	ProviderUserID string
	Email          string
	FullName       string
	AvatarURL      string
}

// AuthCodeRequest is the output of starting an authorization: the URL the
// popup navigates to and the PKCE verifier that must be replayed at
// exchange time (empty when the provider does not use PKCE).
type AuthCodeRequest struct {
	URL          string
	CodeVerifier string
}

// Provider abstracts one OAuth vendor. Adding a vendor means adding one
// implementation and registering it; dispatch code never changes.
type Provider interface {
	Name() string
	// AuthCodeURL builds the authorization URL for the given state and
	// exact redirect URL, generating a PKCE verifier where applicable.
	AuthCodeURL(state, redirectURL string) AuthCodeRequest
	// Exchange trades the authorization code for tokens. redirectURL and
	// codeVerifier must match what AuthCodeURL used or the vendor rejects
	// the exchange.
	Exchange(ctx context.Context, code, redirectURL, codeVerifier string) (*oauth2.Token, error)
	// FetchUserInfo resolves the token into a normalized identity.
	FetchUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error)
}

// Registry holds the configured providers keyed by name. A provider in
// the allow-list may still be absent here when its credentials are not
// configured.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider or an error distinguishing "unknown" from
// "known but not configured".
func (r *Registry) Get(name string) (Provider, error) {
	if !IsSupported(name) {
		return nil, fmt.Errorf("unsupported provider: %q", name)
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// upstreamClient returns an HTTP client with timeout for provider API calls
func upstreamClient() *http.Client {
	return &http.Client{Timeout: upstreamTimeout}
}

// withUpstreamClient installs the timeout-bound client into the context
// used by the oauth2 package for the token exchange.
func withUpstreamClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, upstreamClient())
}
