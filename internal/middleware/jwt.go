package myMiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// 1. Define Context Keys (Exported so other packages can read them)
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// 2. Define what we need from the User Service
// This interface decouples 'middleware' from 'user'
type TokenValidator interface {
	ValidateToken(tokenString string) (string, string, error)
}

// 3. The Middleware Structure
type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// 4. The actual Handler
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		// Check Authorization Header
		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = parts[1]
			}
		}

		// Fallback: Check Query Param (browsers cannot set headers on websocket upgrades)
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			unauthorized(w, "missing authentication token")
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
	})
}

// WithUser injects the authenticated identity into ctx.
func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, UserKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

// UserID returns the authenticated user id, or "" outside the auth middleware.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(UserKey).(string)
	return id
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHENTICATED", "error": msg})
}
