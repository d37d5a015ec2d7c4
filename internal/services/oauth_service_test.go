package services_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mknutsen/libris/internal/models"
	"github.com/mknutsen/libris/internal/oauth"
	"github.com/mknutsen/libris/internal/services"
	pkgauth "github.com/mknutsen/libris/pkg/auth"
)

// fakeProvider is a scriptable Provider that records what it was asked.
type fakeProvider struct {
	name         string
	codeVerifier string
	userInfo     *oauth.UserInfo
	exchangeErr  error
	userInfoErr  error

	exchangedCode     string
	exchangedRedirect string
	exchangedVerifier string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) AuthCodeURL(state, redirectURL string) oauth.AuthCodeRequest {
	return oauth.AuthCodeRequest{
		URL:          "https://provider.example/authorize?state=" + state,
		CodeVerifier: p.codeVerifier,
	}
}

func (p *fakeProvider) Exchange(ctx context.Context, code, redirectURL, codeVerifier string) (*oauth2.Token, error) {
	p.exchangedCode = code
	p.exchangedRedirect = redirectURL
	p.exchangedVerifier = codeVerifier
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &oauth2.Token{AccessToken: "fake-access-token"}, nil
}

func (p *fakeProvider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*oauth.UserInfo, error) {
	if p.userInfoErr != nil {
		return nil, p.userInfoErr
	}
	return p.userInfo, nil
}

func newOAuthService(st *memStore, providers ...oauth.Provider) *services.OAuthService {
	registry := oauth.NewRegistry()
	for _, p := range providers {
		registry.Register(p)
	}
	return services.NewOAuthService(
		registry,
		memStates{st},
		&fakeRunner{st: st},
		10*time.Minute,
		5*time.Minute,
		testLogger(),
		testAuditLogger(),
	)
}

func flootIdentity() *oauth.UserInfo {
	return &oauth.UserInfo{
		ProviderUserID: "floot-uid-1",
		Email:          "reader@example.com",
		FullName:       "Test Reader",
		AvatarURL:      "https://cdn.example/avatar.png",
	}
}

func seedState(st *memStore, provider, verifier string, ttl time.Duration) *models.OAuthState {
	now := time.Now()
	row := &models.OAuthState{
		State:        "state-" + provider,
		Provider:     provider,
		RedirectURL:  "https://app.example/auth/oauth_callback",
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	st.seedState(row)
	return row
}

func TestAuthorize_PersistsStateAndVerifier(t *testing.T) {
	st := newMemStore()
	provider := &fakeProvider{name: "floot", codeVerifier: "pkce-verifier"}
	svc := newOAuthService(st, provider)

	result, err := svc.Authorize(context.Background(), "floot", "https://app.example/auth/oauth_callback")

	require.NoError(t, err)
	assert.NotEmpty(t, result.State)
	assert.Contains(t, result.AuthURL, result.State)

	row := st.stateByValue(result.State)
	require.NotNil(t, row)
	assert.Equal(t, "floot", row.Provider)
	assert.Equal(t, "pkce-verifier", row.CodeVerifier)
	assert.Equal(t, "https://app.example/auth/oauth_callback", row.RedirectURL)
	assert.True(t, row.ExpiresAt.After(time.Now()))
}

func TestAuthorize_UnsupportedProvider(t *testing.T) {
	st := newMemStore()
	svc := newOAuthService(st)

	_, err := svc.Authorize(context.Background(), "myspace", "https://app.example/cb")

	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestAuthorize_UnconfiguredProvider(t *testing.T) {
	st := newMemStore()
	// google is in the allow-list but has no registered implementation.
	svc := newOAuthService(st)

	_, err := svc.Authorize(context.Background(), "google", "https://app.example/cb")

	assert.ErrorIs(t, err, models.ErrBadRequest)
}

func TestAuthorize_SweepsExpiredStates(t *testing.T) {
	st := newMemStore()
	seedState(st, "floot", "", -time.Minute)
	provider := &fakeProvider{name: "floot"}
	svc := newOAuthService(st, provider)

	_, err := svc.Authorize(context.Background(), "floot", "https://app.example/cb")

	require.NoError(t, err)
	assert.Nil(t, st.stateByValue("state-floot"))
}

func TestHandleCallback_NewUser(t *testing.T) {
	st := newMemStore()
	provider := &fakeProvider{name: "floot", userInfo: flootIdentity()}
	row := seedState(st, "floot", "pkce-verifier", 10*time.Minute)
	svc := newOAuthService(st, provider)

	result, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{
		State: row.State,
		Code:  "auth-code",
	})

	require.Nil(t, oerr)
	assert.Equal(t, "floot", result.Provider)
	assert.NotEmpty(t, result.TempToken)

	// The exchange replayed exactly what authorization stored.
	assert.Equal(t, "auth-code", provider.exchangedCode)
	assert.Equal(t, row.RedirectURL, provider.exchangedRedirect)
	assert.Equal(t, "pkce-verifier", provider.exchangedVerifier)

	// A member account was provisioned with a provider link.
	user := st.userByEmail("reader@example.com")
	require.NotNil(t, user)
	assert.Equal(t, models.RoleMember, user.Role)
	assert.Equal(t, models.StatusActive, user.Status)
	assert.Equal(t, "Test Reader", user.FullName)
	assert.Equal(t, 1, st.accountCount())

	// Temp token row exists and is short-lived.
	token := st.sessionByID(result.TempToken)
	require.NotNil(t, token)
	assert.Equal(t, user.ID, token.UserID)
	assert.True(t, token.ExpiresAt.Before(time.Now().Add(6*time.Minute)))

	// State consumed.
	assert.Nil(t, st.stateByValue(row.State))
}

func TestHandleCallback_ReturningUser(t *testing.T) {
	st := newMemStore()
	user := st.addUser(&models.User{
		Email:  "reader@example.com",
		Role:   models.RoleMember,
		Status: models.StatusActive,
	})
	st.seedAccount(&models.OAuthAccount{
		UserID:         user.ID,
		Provider:       "floot",
		ProviderUserID: "floot-uid-1",
		ProviderEmail:  "old@example.com",
	})
	provider := &fakeProvider{name: "floot", userInfo: flootIdentity()}
	row := seedState(st, "floot", "pkce-verifier", 10*time.Minute)
	svc := newOAuthService(st, provider)

	result, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{
		State: row.State,
		Code:  "auth-code",
	})

	require.Nil(t, oerr)
	assert.NotEmpty(t, result.TempToken)
	// No duplicate user or link.
	assert.Equal(t, 1, st.accountCount())
	assert.Equal(t, user.ID, st.sessionByID(result.TempToken).UserID)
}

func TestHandleCallback_MissingState(t *testing.T) {
	st := newMemStore()
	svc := newOAuthService(st, &fakeProvider{name: "floot"})

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{Code: "auth-code"})

	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeInvalidState, oerr.Code)
	assert.Equal(t, http.StatusBadRequest, oerr.HTTPStatus())
}

func TestHandleCallback_UnknownState(t *testing.T) {
	st := newMemStore()
	provider := &fakeProvider{name: "floot", userInfo: flootIdentity()}
	svc := newOAuthService(st, provider)

	// A valid-looking code changes nothing when the state has no row.
	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{
		State: "forged-state",
		Code:  "auth-code",
	})

	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeInvalidState, oerr.Code)
	assert.Empty(t, provider.exchangedCode)
}

func TestHandleCallback_StateReplay(t *testing.T) {
	st := newMemStore()
	provider := &fakeProvider{name: "floot", userInfo: flootIdentity()}
	row := seedState(st, "floot", "", 10*time.Minute)
	svc := newOAuthService(st, provider)

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})
	require.Nil(t, oerr)

	_, oerr = svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})
	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeInvalidState, oerr.Code)
}

func TestHandleCallback_ExpiredState(t *testing.T) {
	st := newMemStore()
	row := seedState(st, "floot", "", -time.Minute)
	svc := newOAuthService(st, &fakeProvider{name: "floot"})

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})

	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeStateExpired, oerr.Code)
	assert.Equal(t, http.StatusBadRequest, oerr.HTTPStatus())
	assert.Nil(t, st.stateByValue(row.State))
}

func TestHandleCallback_ProviderError(t *testing.T) {
	st := newMemStore()
	row := seedState(st, "floot", "", 10*time.Minute)
	svc := newOAuthService(st, &fakeProvider{name: "floot"})

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{
		State:            row.State,
		Error:            "access_denied",
		ErrorDescription: "The user denied the request",
	})

	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeOAuthError, oerr.Code)
	assert.Equal(t, "The user denied the request", oerr.Details)
	assert.Equal(t, "floot", oerr.Provider)
	assert.Nil(t, st.stateByValue(row.State))
}

func TestHandleCallback_MissingCode(t *testing.T) {
	st := newMemStore()
	row := seedState(st, "floot", "", 10*time.Minute)
	svc := newOAuthService(st, &fakeProvider{name: "floot"})

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State})

	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeOAuthError, oerr.Code)
	assert.Nil(t, st.stateByValue(row.State))
}

func TestHandleCallback_ExchangeFails(t *testing.T) {
	st := newMemStore()
	row := seedState(st, "floot", "", 10*time.Minute)
	provider := &fakeProvider{name: "floot", exchangeErr: errors.New("invalid_grant")}
	svc := newOAuthService(st, provider)

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})

	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeTokenExchangeFailed, oerr.Code)
	assert.Equal(t, http.StatusInternalServerError, oerr.HTTPStatus())
	assert.Nil(t, st.stateByValue(row.State))
}

func TestHandleCallback_UserInfoFails(t *testing.T) {
	st := newMemStore()
	row := seedState(st, "floot", "", 10*time.Minute)
	provider := &fakeProvider{name: "floot", userInfoErr: errors.New("503")}
	svc := newOAuthService(st, provider)

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})

	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeTokenExchangeFailed, oerr.Code)
}

func TestHandleCallback_IncompleteUserInfo(t *testing.T) {
	st := newMemStore()
	row := seedState(st, "floot", "", 10*time.Minute)
	provider := &fakeProvider{name: "floot", userInfo: &oauth.UserInfo{
		ProviderUserID: "floot-uid-1",
		FullName:       "No Email",
	}}
	svc := newOAuthService(st, provider)

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})

	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeIncompleteUserInfo, oerr.Code)
	assert.Nil(t, st.userByEmail(""))
}

func TestHandleCallback_UnconfiguredProviderAtCallback(t *testing.T) {
	st := newMemStore()
	// State was issued while google was configured; registry no longer has it.
	row := seedState(st, "google", "", 10*time.Minute)
	svc := newOAuthService(st)

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})

	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeServerError, oerr.Code)
	assert.Nil(t, st.stateByValue(row.State))
}

func TestHandleCallback_LinkingRequiredForPasswordAccount(t *testing.T) {
	st := newMemStore()
	hash, err := pkgauth.HashPassword("Sup3rSecret")
	require.NoError(t, err)
	st.addUser(&models.User{
		Email:        "reader@example.com",
		PasswordHash: hash,
		Role:         models.RoleMember,
		Status:       models.StatusActive,
	})
	provider := &fakeProvider{name: "floot", userInfo: flootIdentity()}
	row := seedState(st, "floot", "", 10*time.Minute)
	svc := newOAuthService(st, provider)

	result, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})

	assert.Nil(t, result)
	require.NotNil(t, oerr)
	assert.Equal(t, services.CodeAccountLinkingRequired, oerr.Code)
	assert.Equal(t, "reader@example.com", oerr.Details)
	assert.Equal(t, http.StatusBadRequest, oerr.HTTPStatus())

	// Nothing was linked and no token issued.
	assert.Equal(t, 0, st.accountCount())
	assert.Equal(t, 0, st.sessionCount())
}

func TestHandleCallback_LinksSecondProvider(t *testing.T) {
	st := newMemStore()
	user := st.addUser(&models.User{
		Email:  "reader@example.com",
		Role:   models.RoleMember,
		Status: models.StatusActive,
	})
	st.seedAccount(&models.OAuthAccount{
		UserID:         user.ID,
		Provider:       "google",
		ProviderUserID: "google-uid-1",
		ProviderEmail:  "reader@example.com",
	})
	provider := &fakeProvider{name: "floot", userInfo: flootIdentity()}
	row := seedState(st, "floot", "", 10*time.Minute)
	svc := newOAuthService(st, provider)

	result, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})

	require.Nil(t, oerr)
	assert.NotEmpty(t, result.TempToken)
	// An account with an existing OAuth link accretes new providers freely.
	assert.Equal(t, 2, st.accountCount())
}

func TestHandleCallback_SameProviderNewIdentity(t *testing.T) {
	st := newMemStore()
	user := st.addUser(&models.User{
		Email:  "reader@example.com",
		Role:   models.RoleMember,
		Status: models.StatusActive,
	})
	st.seedAccount(&models.OAuthAccount{
		ID:             "link-1",
		UserID:         user.ID,
		Provider:       "floot",
		ProviderUserID: "old-floot-uid",
		ProviderEmail:  "reader@example.com",
	})
	provider := &fakeProvider{name: "floot", userInfo: flootIdentity()}
	row := seedState(st, "floot", "", 10*time.Minute)
	svc := newOAuthService(st, provider)

	_, oerr := svc.HandleCallback(context.Background(), services.CallbackParams{State: row.State, Code: "auth-code"})

	require.Nil(t, oerr)
	// The existing link was rotated to the provider's new id, not duplicated.
	assert.Equal(t, 1, st.accountCount())
	link, err := memAccounts{st}.GetByProviderIdentity(context.Background(), "floot", "floot-uid-1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, link.UserID)
}
