package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/mknutsen/libris/internal/handlers"
	"github.com/mknutsen/libris/internal/middleware"
)

// CallbackPath is the absolute path providers redirect back to. The
// authorize handler recomputes the full URL from the request host.
const CallbackPath = "/auth/oauth_callback"

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	oauthHandler *handlers.OAuthHandler,
	authenticator middleware.SessionAuthenticator,
) {
	rateLimitConfig := middleware.DefaultAuthRateLimit()

	// Public routes - no authentication required
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth/login_with_password", authHandler.LoginWithPassword)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth/establish_session", authHandler.EstablishSession)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth/request_password_reset", authHandler.RequestPasswordReset)
	router.With(middleware.RateLimitByIP(rateLimitConfig)).Post("/auth/reset_password", authHandler.ResetPassword)

	// The popup handshake. No IP limiting on the callback: the provider
	// calls it, and a failed callback already consumes its state row.
	router.Get("/auth/oauth_authorize", oauthHandler.Authorize)
	router.Get(CallbackPath, oauthHandler.Callback)

	// Logout clears the cookie even when the session is already gone.
	router.With(middleware.OptionalSession(authenticator)).Post("/auth/logout", authHandler.Logout)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(authenticator))
		r.Get("/auth/me", authHandler.Me)
	})
}
