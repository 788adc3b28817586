package middleware

import (
	"context"
	"net/http"

	"github.com/commgate/commgate/internal/database"
)

// SessionCookieName is the cookie carrying the web session token.
const SessionCookieName = "commgate_session"

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	usernameKey contextKey = "username"
	roleKey     contextKey = "role"
)

// UserIDFromContext returns the authenticated user ID, if any.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// UsernameFromContext returns the authenticated username, if any.
func UsernameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(usernameKey).(string)
	return name, ok
}

// RoleFromContext returns the authenticated user's role, if any.
func RoleFromContext(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey).(string)
	return role, ok
}

// sessionToken extracts the session token from the cookie or, for API
// clients that don't carry cookies, from the Authorization header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return bearerToken(r)
}

// RequireAuth returns middleware that validates the web session against
// the database and stores the user's identity in the request context.
func RequireAuth(store *database.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := sessionToken(r)
			if token == "" {
				writeEnvelopeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			session, err := store.Sessions.Get(r.Context(), token)
			if err != nil {
				writeEnvelopeError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}

			user, err := store.Users.GetByID(r.Context(), session.UserID)
			if err != nil {
				writeEnvelopeError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, user.ID)
			ctx = context.WithValue(ctx, usernameKey, user.Username)
			ctx = context.WithValue(ctx, roleKey, user.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns middleware that rejects non-admin users. Mount
// after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, ok := RoleFromContext(r.Context())
		if !ok || role != "admin" {
			writeEnvelopeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
