package oauth

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/mknutsen/libris/internal/config"
)

const (
	githubUserURL   = "https://api.github.com/user"
	githubEmailsURL = "https://api.github.com/user/emails"
)

// GitHubProvider implements the GitHub code flow. GitHub's token endpoint
// does not support PKCE for standard OAuth apps, so no verifier is issued.
type GitHubProvider struct {
	cfg oauth2.Config
}

func NewGitHubProvider(c config.ProviderCredentials) *GitHubProvider {
	return &GitHubProvider{
		cfg: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     endpoints.GitHub,
		},
	}
}

func (p *GitHubProvider) Name() string { return "github" }

func (p *GitHubProvider) AuthCodeURL(state, redirectURL string) AuthCodeRequest {
	cfg := p.cfg
	cfg.RedirectURL = redirectURL
	return AuthCodeRequest{URL: cfg.AuthCodeURL(state)}
}

func (p *GitHubProvider) Exchange(ctx context.Context, code, redirectURL, codeVerifier string) (*oauth2.Token, error) {
	cfg := p.cfg
	cfg.RedirectURL = redirectURL
	token, err := cfg.Exchange(withUpstreamClient(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("github token exchange failed: %w", err)
	}
	return token, nil
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func (p *GitHubProvider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	var u githubUser
	if err := fetchJSON(ctx, token, githubUserURL, &u); err != nil {
		return nil, fmt.Errorf("github userinfo request failed: %w", err)
	}

	email := u.Email
	if email == "" {
		// The profile email is often hidden; the emails endpoint still
		// lists it when the user:email scope was granted.
		email = p.primaryVerifiedEmail(ctx, token)
	}

	name := u.Name
	if name == "" {
		name = u.Login
	}

	return &UserInfo{
		ProviderUserID: strconv.FormatInt(u.ID, 10),
		Email:          email,
		FullName:       name,
		AvatarURL:      u.AvatarURL,
	}, nil
}

func (p *GitHubProvider) primaryVerifiedEmail(ctx context.Context, token *oauth2.Token) string {
	var emails []githubEmail
	if err := fetchJSON(ctx, token, githubEmailsURL, &emails); err != nil {
		return ""
	}

	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	return ""
}
