package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// appTokenTTL is how long a mobile app token stays valid.
const appTokenTTL = 7 * 24 * time.Hour

// AppClaims are the JWT claims embedded in mobile app tokens.
type AppClaims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateAppToken creates a signed HS256 token for the mobile app.
func GenerateAppToken(secret []byte, userID int64, username string) (string, error) {
	now := time.Now()
	claims := AppClaims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(appTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing app token: %w", err)
	}
	return signed, nil
}

// ValidateAppToken parses and validates a mobile app token.
func ValidateAppToken(secret []byte, tokenString string) (*AppClaims, error) {
	claims := &AppClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing app token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid app token")
	}
	return claims, nil
}

// RequireAppAuth returns middleware that validates a Bearer app token and
// stores the authenticated user ID and username in the request context.
func RequireAppAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				writeEnvelopeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := ValidateAppToken(secret, tokenString)
			if err != nil {
				writeEnvelopeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
			ctx = context.WithValue(ctx, usernameKey, claims.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
