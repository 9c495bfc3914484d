// Package middleware provides authentication middleware for the
// coordinator API.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/0xHecker/omni-stream/pkg/coordinator/store"
	"github.com/0xHecker/omni-stream/pkg/token"
)

// AuthContext identifies the authenticated caller of a request.
type AuthContext struct {
	PrincipalID    string
	ClientDeviceID string
}

type contextKey string

const authContextKey contextKey = "auth"

// GetAuthContext retrieves the caller identity stored by BearerAuth.
// Returns nil when the route is not behind the middleware.
func GetAuthContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  title,
		"status": status,
		"detail": detail,
	})
}

func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// BearerAuth validates client_access bearer tokens and re-checks the
// principal and device against the store on every request, so disabling
// either takes effect before the token expires.
func BearerAuth(secret string, principals store.PrincipalStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := extractBearerToken(r)
			if !ok {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "Authorization header required")
				return
			}

			claims, err := token.Decode(secret, raw)
			if err != nil {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "Invalid or expired token")
				return
			}
			if claims.Kind() != token.KindClientAccess {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "Wrong token kind")
				return
			}
			principalID := claims.String("principal_id")
			clientDeviceID := claims.String("client_device_id")
			if principalID == "" || clientDeviceID == "" {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "Malformed token claims")
				return
			}

			principal, err := principals.GetPrincipal(r.Context(), principalID)
			if err != nil || !principal.IsActive() {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "Unknown or disabled principal")
				return
			}
			device, err := principals.GetClientDevice(r.Context(), clientDeviceID)
			if err != nil || !device.IsActive() || device.PrincipalID != principal.ID {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "Unknown or disabled device")
				return
			}

			ctx := context.WithValue(r.Context(), authContextKey, &AuthContext{
				PrincipalID:    principalID,
				ClientDeviceID: clientDeviceID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentSecret guards the internal endpoints used by agent processes.
func AgentSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("x-agent-secret")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "Invalid agent secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
