package middleware

import (
	"context"
	"net/http"

	"github.com/mknutsen/libris/internal/auth"
	"github.com/mknutsen/libris/internal/models"
	pkghttp "github.com/mknutsen/libris/pkg/http"
)

type contextKey string

const (
	userContextKey    contextKey = "user"
	sessionContextKey contextKey = "session"
)

// SessionAuthenticator resolves a session cookie value into a user+session
// pair, deleting expired sessions and touching lastAccessed on the way.
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, cookieValue string) (*models.User, *models.Session, error)
}

// RequireSession rejects requests without a valid session cookie and puts
// the resolved user and session into the request context.
func RequireSession(authenticator SessionAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookieValue, err := auth.GetSessionCookie(r)
			if err != nil {
				pkghttp.WriteUnauthorized(w, "Authentication required")
				return
			}

			user, session, err := authenticator.Authenticate(r.Context(), cookieValue)
			if err != nil {
				pkghttp.WriteUnauthorized(w, "Authentication required")
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			ctx = context.WithValue(ctx, sessionContextKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalSession is like RequireSession but lets unauthenticated requests
// through with an empty context. Used by logout, which must succeed (and
// clear the cookie) even when the session is already gone.
func OptionalSession(authenticator SessionAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookieValue, err := auth.GetSessionCookie(r)
			if err == nil {
				if user, session, authErr := authenticator.Authenticate(r.Context(), cookieValue); authErr == nil {
					ctx := context.WithValue(r.Context(), userContextKey, user)
					ctx = context.WithValue(ctx, sessionContextKey, session)
					r = r.WithContext(ctx)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey).(*models.User)
	return user, ok
}

// SessionFromContext returns the authenticated session, if any.
func SessionFromContext(ctx context.Context) (*models.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*models.Session)
	return session, ok
}
