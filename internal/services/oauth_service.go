package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mknutsen/libris/internal/models"
	"github.com/mknutsen/libris/internal/oauth"
	pkgauth "github.com/mknutsen/libris/pkg/auth"
	pkglogger "github.com/mknutsen/libris/pkg/logger"
)

// Machine-readable codes the popup's message listener branches on.
const (
	CodeInvalidState           = "invalid_state"
	CodeStateExpired           = "state_expired"
	CodeOAuthError             = "oauth_error"
	CodeTokenExchangeFailed    = "token_exchange_failed"
	CodeIncompleteUserInfo     = "incomplete_user_info"
	CodeAccountLinkingRequired = "account_linking_required"
	CodeServerError            = "server_error"
)

// OAuthError is a terminal callback failure. Every error branch produces
// this one shape so the opener's single listener can discriminate by code
// without throwing.
type OAuthError struct {
	Code     string
	Message  string
	Details  string
	Provider string // empty when the failure precedes state resolution
	cause    error
}

func (e *OAuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *OAuthError) Unwrap() error { return e.cause }

// HTTPStatus maps the code onto a response status. Callback responses are
// HTML in every case; only the status varies.
func (e *OAuthError) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidState, CodeStateExpired, CodeOAuthError, CodeAccountLinkingRequired:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// AuthorizeResult is the output of starting an authorization flow.
type AuthorizeResult struct {
	AuthURL string
	State   string
}

// CallbackParams are the query parameters the provider redirects back with.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// CallbackResult is the success output of the callback state machine: a
// single-use temp token the opener exchanges for a real session.
type CallbackResult struct {
	Provider  string
	TempToken string
}

// OAuthService drives the authorization handshake: initiation with CSRF
// state and PKCE, then the callback state machine through code exchange,
// account resolution and temp token issuance.
type OAuthService struct {
	registry     *oauth.Registry
	states       OAuthStateStore
	runner       TxRunner
	stateTTL     time.Duration
	tempTokenTTL time.Duration
	logger       *slog.Logger
	auditLogger  *pkglogger.AuditLogger
}

// NewOAuthService creates a new OAuthService
func NewOAuthService(
	registry *oauth.Registry,
	states OAuthStateStore,
	runner TxRunner,
	stateTTL time.Duration,
	tempTokenTTL time.Duration,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *OAuthService {
	return &OAuthService{
		registry:     registry,
		states:       states,
		runner:       runner,
		stateTTL:     stateTTL,
		tempTokenTTL: tempTokenTTL,
		logger:       logger,
		auditLogger:  auditLogger,
	}
}

// Authorize starts a provider flow: generates state and PKCE material,
// persists the round-trip, and returns the provider authorization URL.
// callbackURL must be the exact URL the provider will redirect back to;
// it is stored and replayed verbatim at exchange time.
func (s *OAuthService) Authorize(ctx context.Context, providerName, callbackURL string) (*AuthorizeResult, error) {
	provider, err := s.registry.Get(providerName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBadRequest, err)
	}

	// Opportunistic sweep of abandoned round-trips. The insert below must
	// proceed even if this fails.
	if _, err := s.states.DeleteExpired(ctx); err != nil {
		s.logger.Warn("oauth state cleanup failed", slog.Any("error", err))
	}

	state, err := pkgauth.GenerateOpaqueToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	req := provider.AuthCodeURL(state, callbackURL)

	now := time.Now()
	if err := s.states.Create(ctx, &models.OAuthState{
		State:        state,
		Provider:     provider.Name(),
		RedirectURL:  callbackURL,
		CodeVerifier: req.CodeVerifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.stateTTL),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist oauth state: %w", err)
	}

	s.logger.Info("oauth authorization started", slog.String("provider", provider.Name()))

	return &AuthorizeResult{AuthURL: req.URL, State: state}, nil
}

// HandleCallback runs the callback state machine. On success it returns a
// temp token; on any terminal failure it returns an OAuthError. The state
// row is deleted on every terminal path where it exists, making the state
// value single-use.
func (s *OAuthService) HandleCallback(ctx context.Context, params CallbackParams) (*CallbackResult, *OAuthError) {
	if params.State == "" {
		return nil, &OAuthError{Code: CodeInvalidState, Message: "Missing state parameter"}
	}

	row, err := s.states.GetByState(ctx, params.State)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Covers replay of a consumed state too: rows are deleted on
			// first use, so the second lookup finds nothing.
			return nil, &OAuthError{Code: CodeInvalidState, Message: "Invalid or expired state"}
		}
		s.logger.Error("oauth state lookup failed", slog.Any("error", err))
		return nil, &OAuthError{Code: CodeServerError, Message: "Authentication failed", cause: err}
	}

	providerName := row.Provider

	if !oauth.IsSupported(providerName) {
		// The allow-list shrank between initiation and callback.
		return nil, s.terminal(ctx, row, &OAuthError{Code: CodeInvalidState, Message: "Provider is no longer supported"})
	}

	if params.Error != "" {
		details := params.ErrorDescription
		if details == "" {
			details = params.Error
		}
		return nil, s.terminal(ctx, row, &OAuthError{Code: CodeOAuthError, Message: "Provider returned an error", Details: details})
	}

	if time.Now().After(row.ExpiresAt) {
		return nil, s.terminal(ctx, row, &OAuthError{Code: CodeStateExpired, Message: "Authorization attempt expired, please try again"})
	}

	if params.Code == "" {
		return nil, s.terminal(ctx, row, &OAuthError{Code: CodeOAuthError, Message: "Missing authorization code"})
	}

	provider, err := s.registry.Get(providerName)
	if err != nil {
		return nil, s.terminal(ctx, row, &OAuthError{Code: CodeServerError, Message: "Provider is not configured", cause: err})
	}

	token, err := provider.Exchange(ctx, params.Code, row.RedirectURL, row.CodeVerifier)
	if err != nil {
		s.logger.Warn("oauth code exchange failed",
			slog.String("provider", providerName),
			slog.Any("error", err))
		return nil, s.terminal(ctx, row, &OAuthError{Code: CodeTokenExchangeFailed, Message: "Failed to exchange authorization code", cause: err})
	}

	info, err := provider.FetchUserInfo(ctx, token)
	if err != nil {
		s.logger.Warn("oauth userinfo fetch failed",
			slog.String("provider", providerName),
			slog.Any("error", err))
		return nil, s.terminal(ctx, row, &OAuthError{Code: CodeTokenExchangeFailed, Message: "Failed to fetch user information", cause: err})
	}

	if info.ProviderUserID == "" || info.Email == "" || info.FullName == "" {
		// Refuse to create partial identities.
		return nil, s.terminal(ctx, row, &OAuthError{Code: CodeIncompleteUserInfo, Message: "Provider did not supply a complete profile"})
	}
	info.Email = strings.ToLower(strings.TrimSpace(info.Email))

	tempToken, err := s.resolveAndIssue(ctx, providerName, info)
	if err != nil {
		if errors.Is(err, models.ErrAccountLinkingRequired) {
			s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
				EventType:     "oauth_login_refused",
				Provider:      providerName,
				FailureReason: "account_linking_required",
				Success:       false,
			})
			return nil, s.terminal(ctx, row, &OAuthError{
				Code:    CodeAccountLinkingRequired,
				Message: "An account with this email already exists. Please log in with your password.",
				Details: info.Email,
			})
		}
		s.logger.Error("oauth account resolution failed",
			slog.String("provider", providerName),
			slog.Any("error", err))
		return nil, s.terminal(ctx, row, &OAuthError{Code: CodeServerError, Message: "Authentication failed", cause: err})
	}

	s.deleteState(ctx, row.State)

	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType: "oauth_login_success",
		Provider:  providerName,
		Success:   true,
	})

	return &CallbackResult{Provider: providerName, TempToken: tempToken}, nil
}

// terminal deletes the state row and passes the error through. Single-use
// is enforced by deletion, not a status flag.
func (s *OAuthService) terminal(ctx context.Context, row *models.OAuthState, oerr *OAuthError) *OAuthError {
	s.deleteState(ctx, row.State)
	if oerr.Provider == "" {
		oerr.Provider = row.Provider
	}
	return oerr
}

func (s *OAuthService) deleteState(ctx context.Context, state string) {
	if _, err := s.states.Delete(ctx, state); err != nil {
		s.logger.Warn("failed to delete oauth state", slog.Any("error", err))
	}
}

// resolveAndIssue applies the account resolution rules and issues the
// single-use temp token, all in one transaction serialized on the email so
// two simultaneous callbacks for the same identity cannot both create users.
func (s *OAuthService) resolveAndIssue(ctx context.Context, providerName string, info *oauth.UserInfo) (string, error) {
	var tempToken string

	err := s.runner.RunWithEmailLock(ctx, info.Email, func(st AuthStores) error {
		now := time.Now()

		user, err := s.resolveUser(ctx, st, providerName, info, now)
		if err != nil {
			return err
		}

		// Keep the profile fresh; providers are the source of truth for
		// name and avatar on OAuth-backed accounts.
		if err := st.Users.UpdateProfile(ctx, user.ID, info.FullName, info.AvatarURL); err != nil {
			return err
		}
		if err := st.Users.UpdateLoginStamp(ctx, user.ID, now); err != nil {
			return err
		}

		temp, err := newSession(user.ID, now, s.tempTokenTTL)
		if err != nil {
			return err
		}
		if err := st.Sessions.Create(ctx, temp); err != nil {
			return err
		}

		tempToken = temp.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	return tempToken, nil
}

func (s *OAuthService) resolveUser(ctx context.Context, st AuthStores, providerName string, info *oauth.UserInfo, now time.Time) (*models.User, error) {
	account, err := st.Accounts.GetByProviderIdentity(ctx, providerName, info.ProviderUserID)
	if err == nil {
		user, err := st.Users.GetByID(ctx, account.UserID)
		if err != nil {
			return nil, err
		}
		if err := st.Accounts.UpdateProviderEmail(ctx, account.ID, info.Email); err != nil {
			return nil, err
		}
		return user, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	user, err := st.Users.GetByEmail(ctx, info.Email)
	if errors.Is(err, models.ErrNotFound) {
		user, err = st.Users.Create(ctx, &models.User{
			Email:     info.Email,
			FullName:  info.FullName,
			AvatarURL: info.AvatarURL,
			Role:      models.RoleMember,
			Status:    models.StatusActive,
		})
		if err != nil {
			return nil, err
		}

		if _, err := st.Accounts.Create(ctx, &models.OAuthAccount{
			UserID:         user.ID,
			Provider:       providerName,
			ProviderUserID: info.ProviderUserID,
			ProviderEmail:  info.Email,
		}); err != nil {
			return nil, err
		}

		s.auditLogger.LogAccountAction("user_created_via_oauth", user.ID, "")
		return user, nil
	}
	if err != nil {
		return nil, err
	}

	existing, err := st.Accounts.ListByUserID(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	if len(existing) == 0 && user.HasPassword() {
		// A password-only account with a matching email must not be taken
		// over by whoever controls that email at the provider.
		return nil, models.ErrAccountLinkingRequired
	}

	for _, link := range existing {
		if link.Provider == providerName {
			// Same user, same provider, new provider-side id.
			if err := st.Accounts.UpdateIdentity(ctx, link.ID, info.ProviderUserID, info.Email); err != nil {
				return nil, err
			}
			return user, nil
		}
	}

	if _, err := st.Accounts.Create(ctx, &models.OAuthAccount{
		UserID:         user.ID,
		Provider:       providerName,
		ProviderUserID: info.ProviderUserID,
		ProviderEmail:  info.Email,
	}); err != nil {
		return nil, err
	}

	s.auditLogger.LogAccountAction("oauth_account_linked", user.ID, "")
	return user, nil
}
