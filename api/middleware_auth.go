/*
middleware_auth.go - JWT bearer authentication

PURPOSE:
  Verifies the Authorization: Bearer <token> header on every /api/v1 route
  and attaches the resolved tenant_id to the request context. Follows the
  same chi middleware shape as middleware.RequestID - a
  func(http.Handler) http.Handler that wraps and delegates - using
  github.com/golang-jwt/jwt/v5 to parse and verify.

CLAIMS:
  Only "tenant_id" (string) and the registered "exp" claim are read. A
  token missing tenant_id, expired, or failing signature verification
  produces 401 with code "unauthorized".
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pharmaverif/rebate-engine/rebate"
)

type contextKey string

const tenantContextKey contextKey = "tenant_id"

// AuthMiddleware builds a chi-compatible middleware that verifies bearer
// tokens signed with secret using HS256.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", nil)
				return
			}
			raw := strings.TrimPrefix(header, "Bearer ")

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token", nil)
				return
			}

			tenantID, ok := claims["tenant_id"].(string)
			if !ok || tenantID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "token missing tenant_id claim", nil)
				return
			}

			ctx := context.WithValue(r.Context(), tenantContextKey, rebate.TenantID(tenantID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tenantFromContext recovers the tenant established by AuthMiddleware. It
// panics if called outside a request that passed through AuthMiddleware -
// every route under /api/v1 does, by construction of NewRouter.
func tenantFromContext(ctx context.Context) rebate.TenantID {
	return ctx.Value(tenantContextKey).(rebate.TenantID)
}
