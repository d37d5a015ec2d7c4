package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mknutsen/libris/internal/config"
)

// FlootProvider talks to the first-party identity service. It is a plain
// OAuth2 code flow with PKCE; endpoint paths are derived from the
// configured base URL so staging and production differ only in config.
type FlootProvider struct {
	cfg     oauth2.Config
	baseURL string
}

func NewFlootProvider(c config.FlootProviderConfig) *FlootProvider {
	base := strings.TrimRight(c.BaseURL, "/")
	return &FlootProvider{
		cfg: oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Scopes:       []string{"profile", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + "/oauth/authorize",
				TokenURL: base + "/oauth/token",
			},
		},
		baseURL: base,
	}
}

func (p *FlootProvider) Name() string { return "floot" }

func (p *FlootProvider) AuthCodeURL(state, redirectURL string) AuthCodeRequest {
	verifier := oauth2.GenerateVerifier()
	cfg := p.cfg
	cfg.RedirectURL = redirectURL
	return AuthCodeRequest{
		URL:          cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		CodeVerifier: verifier,
	}
}

func (p *FlootProvider) Exchange(ctx context.Context, code, redirectURL, codeVerifier string) (*oauth2.Token, error) {
	cfg := p.cfg
	cfg.RedirectURL = redirectURL
	token, err := cfg.Exchange(withUpstreamClient(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("floot token exchange failed: %w", err)
	}
	return token, nil
}

// flootUser mirrors the identity endpoint's response shape.
type flootUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

func (p *FlootProvider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	var u flootUser
	if err := fetchJSON(ctx, token, p.baseURL+"/api/user", &u); err != nil {
		return nil, fmt.Errorf("floot userinfo request failed: %w", err)
	}

	return &UserInfo{
		ProviderUserID: u.ID,
		Email:          u.Email,
		FullName:       u.Name,
		AvatarURL:      u.AvatarURL,
	}, nil
}

// fetchJSON performs an authenticated GET and decodes the JSON body.
// Shared by all providers' userinfo calls.
func fetchJSON(ctx context.Context, token *oauth2.Token, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := upstreamClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
