// Package auth turns bearer tokens into the current user id. Accounts and
// sessions are managed elsewhere; handlers only ever see the opaque id.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/vidrelay/vidrelay/internal/httputil"
)

type contextKey string

const userIDKey contextKey = "userID"

type Handler struct {
	jwtSecret string
}

func NewHandler(jwtSecret string) *Handler {
	return &Handler{jwtSecret: jwtSecret}
}

// Middleware rejects requests without a valid access token.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		tokenStr, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		claims, err := ValidateToken(h.jwtSecret, tokenStr)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		if claims.TokenType != accessTokenType {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid token type")
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), claims.UserID)))
	})
}

// OptionalMiddleware attaches the user id when a valid token is present and
// otherwise lets the request through anonymously.
func (h *Handler) OptionalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tokenStr, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
			if claims, err := ValidateToken(h.jwtSecret, tokenStr); err == nil && claims.TokenType == accessTokenType {
				r = r.WithContext(ContextWithUserID(r.Context(), claims.UserID))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserIDFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}
