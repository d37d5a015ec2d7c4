package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/mknutsen/libris/internal/auth"
	"github.com/mknutsen/libris/internal/services"
	pkghttp "github.com/mknutsen/libris/pkg/http"
)

// OAuthServiceInterface defines the interface for the authorization handshake
type OAuthServiceInterface interface {
	Authorize(ctx context.Context, provider, callbackURL string) (*services.AuthorizeResult, error)
	HandleCallback(ctx context.Context, params services.CallbackParams) (*services.CallbackResult, *services.OAuthError)
}

// OAuthHandler handles the provider authorization endpoints
type OAuthHandler struct {
	service      OAuthServiceInterface
	popup        *PopupRenderer
	cookieCfg    auth.CookieConfig
	stateTTL     time.Duration
	callbackPath string
}

// NewOAuthHandler creates a new OAuthHandler. callbackPath is the absolute
// path the provider redirects back to on this host.
func NewOAuthHandler(service OAuthServiceInterface, popup *PopupRenderer, cookieCfg auth.CookieConfig, stateTTL time.Duration, callbackPath string) *OAuthHandler {
	return &OAuthHandler{
		service:      service,
		popup:        popup,
		cookieCfg:    cookieCfg,
		stateTTL:     stateTTL,
		callbackPath: callbackPath,
	}
}

// Authorize handles GET /auth/oauth_authorize?provider=<name>
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		pkghttp.WriteBadRequest(w, "Missing provider parameter")
		return
	}

	// The redirect URL is recomputed from the incoming request's host so
	// the stored value matches what the provider will actually call back.
	callbackURL := pkghttp.BaseURL(r) + h.callbackPath

	result, err := h.service.Authorize(r.Context(), provider, callbackURL)
	if err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	// Second CSRF anchor alongside the DB row.
	auth.SetOAuthStateCookie(w, result.State, h.stateTTL, h.cookieCfg)

	w.Header().Set("Location", result.AuthURL)
	w.WriteHeader(http.StatusFound)
	_, _ = w.Write([]byte("Redirecting..."))
}

// Callback handles GET /auth/oauth_callback. The response is always an HTML
// page that talks to the opener; it never redirects.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := services.CallbackParams{
		State:            query.Get("state"),
		Code:             query.Get("code"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	auth.ClearOAuthStateCookie(w, h.cookieCfg)

	result, oerr := h.service.HandleCallback(r.Context(), params)
	if oerr != nil {
		h.popup.RenderError(w, oerr.HTTPStatus(), oerr)
		return
	}

	h.popup.RenderSuccess(w, result.Provider, result.TempToken)
}
