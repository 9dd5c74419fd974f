package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/driftline/syncd/internal/services"
)

type contextKey int

const ctxKeyClaims contextKey = iota

// claimsFromContext returns the authenticated device claims, or nil.
func claimsFromContext(ctx context.Context) *services.TokenClaims {
	c, _ := ctx.Value(ctxKeyClaims).(*services.TokenClaims)
	return c
}

// DeviceAuth verifies the Bearer token and stores the (tenant, user, device)
// claims in the request context.
func DeviceAuth(auth *services.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token")
				return
			}

			claims, err := auth.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorAuth guards privileged endpoints with a static operator key.
func OperatorAuth(operatorKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-Operator-Key")
			if operatorKey == "" || subtle.ConstantTimeCompare([]byte(supplied), []byte(operatorKey)) != 1 {
				writeError(w, http.StatusForbidden, ErrCodeForbidden, "operator key required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
