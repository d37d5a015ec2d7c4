package handlers_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mknutsen/libris/internal/auth"
	"github.com/mknutsen/libris/internal/handlers"
	"github.com/mknutsen/libris/internal/models"
	"github.com/mknutsen/libris/internal/services"
)

// mockOAuthService is a scriptable OAuthServiceInterface.
type mockOAuthService struct {
	authorizeResult *services.AuthorizeResult
	authorizeErr    error
	callbackResult  *services.CallbackResult
	callbackErr     *services.OAuthError

	gotProvider    string
	gotCallbackURL string
	gotParams      services.CallbackParams
}

func (m *mockOAuthService) Authorize(ctx context.Context, provider, callbackURL string) (*services.AuthorizeResult, error) {
	m.gotProvider = provider
	m.gotCallbackURL = callbackURL
	if m.authorizeErr != nil {
		return nil, m.authorizeErr
	}
	return m.authorizeResult, nil
}

func (m *mockOAuthService) HandleCallback(ctx context.Context, params services.CallbackParams) (*services.CallbackResult, *services.OAuthError) {
	m.gotParams = params
	if m.callbackErr != nil {
		return nil, m.callbackErr
	}
	return m.callbackResult, nil
}

func newOAuthHandler(service handlers.OAuthServiceInterface) *handlers.OAuthHandler {
	return handlers.NewOAuthHandler(
		service,
		handlers.NewPopupRenderer("libris"),
		auth.CookieConfig{},
		10*time.Minute,
		"/auth/oauth_callback",
	)
}

func oauthStateCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == auth.OAuthStateCookieName {
			return c
		}
	}
	return nil
}

func TestAuthorize_RedirectsToProvider(t *testing.T) {
	service := &mockOAuthService{authorizeResult: &services.AuthorizeResult{
		AuthURL: "https://provider.example/authorize?state=abc",
		State:   "abc",
	}}
	h := newOAuthHandler(service)

	req := httptest.NewRequest(http.MethodGet, "http://app.example/auth/oauth_authorize?provider=floot", nil)
	rec := httptest.NewRecorder()
	h.Authorize(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://provider.example/authorize?state=abc", rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), "Redirecting...")

	assert.Equal(t, "floot", service.gotProvider)
	// The callback URL is derived from the incoming host, not configuration.
	assert.Equal(t, "http://app.example/auth/oauth_callback", service.gotCallbackURL)

	cookie := oauthStateCookie(rec)
	require.NotNil(t, cookie)
	assert.Equal(t, "abc", cookie.Value)
	assert.True(t, cookie.HttpOnly)
}

func TestAuthorize_MissingProvider(t *testing.T) {
	h := newOAuthHandler(&mockOAuthService{})

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth_authorize", nil)
	rec := httptest.NewRecorder()
	h.Authorize(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorize_UnsupportedProvider(t *testing.T) {
	service := &mockOAuthService{authorizeErr: fmt.Errorf("%w: unsupported provider", models.ErrBadRequest)}
	h := newOAuthHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth_authorize?provider=myspace", nil)
	rec := httptest.NewRecorder()
	h.Authorize(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallback_SuccessRendersPopup(t *testing.T) {
	service := &mockOAuthService{callbackResult: &services.CallbackResult{
		Provider:  "floot",
		TempToken: "temp-token-123",
	}}
	h := newOAuthHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth_callback?state=abc&code=xyz", nil)
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	// No redirect; the page itself hands the token to the opener.
	assert.Empty(t, rec.Header().Get("Location"))

	body := rec.Body.String()
	assert.Contains(t, body, handlers.MessageTypeSuccess)
	assert.Contains(t, body, "temp-token-123")
	assert.Contains(t, body, "window.opener")
	assert.Contains(t, body, "window.location.origin")
	assert.NotContains(t, body, `postMessage(message, "*")`)

	assert.Equal(t, "abc", service.gotParams.State)
	assert.Equal(t, "xyz", service.gotParams.Code)

	// The round-trip cookie is finished either way.
	cookie := oauthStateCookie(rec)
	require.NotNil(t, cookie)
	assert.Negative(t, cookie.MaxAge)
}

func TestCallback_PopupAllowsInlineScriptAndOpener(t *testing.T) {
	service := &mockOAuthService{callbackResult: &services.CallbackResult{Provider: "floot", TempToken: "t"}}
	h := newOAuthHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth_callback?state=abc&code=xyz", nil)
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "'unsafe-inline'")
	assert.Equal(t, "unsafe-none", rec.Header().Get("Cross-Origin-Opener-Policy"))
}

func TestCallback_InvalidState(t *testing.T) {
	service := &mockOAuthService{callbackErr: &services.OAuthError{
		Code:    services.CodeInvalidState,
		Message: "Invalid or expired state",
	}}
	h := newOAuthHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth_callback?state=forged&code=xyz", nil)
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	body := rec.Body.String()
	assert.Contains(t, body, handlers.MessageTypeError)
	assert.Contains(t, body, services.CodeInvalidState)
	assert.Contains(t, body, "Invalid or expired state")
}

func TestCallback_ServerErrorStatus(t *testing.T) {
	service := &mockOAuthService{callbackErr: &services.OAuthError{
		Code:     services.CodeTokenExchangeFailed,
		Message:  "Failed to exchange authorization code",
		Provider: "google",
	}}
	h := newOAuthHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth_callback?state=abc&code=xyz", nil)
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), services.CodeTokenExchangeFailed)
	assert.Contains(t, rec.Body.String(), "google")
}

func TestCallback_LinkingRequiredCarriesEmail(t *testing.T) {
	service := &mockOAuthService{callbackErr: &services.OAuthError{
		Code:     services.CodeAccountLinkingRequired,
		Message:  "An account with this email already exists. Please log in with your password.",
		Details:  "reader@example.com",
		Provider: "floot",
	}}
	h := newOAuthHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth_callback?state=abc&code=xyz", nil)
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "reader@example.com")
}

func TestCallback_PassesProviderErrorThrough(t *testing.T) {
	service := &mockOAuthService{callbackErr: &services.OAuthError{
		Code:    services.CodeOAuthError,
		Message: "Provider returned an error",
		Details: "The user denied the request",
	}}
	h := newOAuthHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth_callback?state=abc&error=access_denied&error_description=The+user+denied+the+request", nil)
	rec := httptest.NewRecorder()
	h.Callback(rec, req)

	assert.Equal(t, "access_denied", service.gotParams.Error)
	assert.Equal(t, "The user denied the request", service.gotParams.ErrorDescription)
	assert.Contains(t, rec.Body.String(), "The user denied the request")
}
