package oauth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/mknutsen/libris/internal/config"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleProvider implements the Google OpenID Connect code flow with PKCE.
type GoogleProvider struct {
	cfg oauth2.Config
}

func NewGoogleProvider(c config.ProviderCredentials) *GoogleProvider {
	return &GoogleProvider{
		cfg: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     endpoints.Google,
		},
	}
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) AuthCodeURL(state, redirectURL string) AuthCodeRequest {
	verifier := oauth2.GenerateVerifier()
	cfg := p.cfg
	cfg.RedirectURL = redirectURL
	return AuthCodeRequest{
		URL:          cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		CodeVerifier: verifier,
	}
}

func (p *GoogleProvider) Exchange(ctx context.Context, code, redirectURL, codeVerifier string) (*oauth2.Token, error) {
	cfg := p.cfg
	cfg.RedirectURL = redirectURL
	token, err := cfg.Exchange(withUpstreamClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("google token exchange failed: %w", err)
	}
	return token, nil
}

type googleUser struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

func (p *GoogleProvider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	var u googleUser
	if err := fetchJSON(ctx, token, googleUserInfoURL, &u); err != nil {
		return nil, fmt.Errorf("google userinfo request failed: %w", err)
	}

	return &UserInfo{
		ProviderUserID: u.ID,
		Email:          u.Email,
		FullName:       u.Name,
		AvatarURL:      u.Picture,
	}, nil
}
