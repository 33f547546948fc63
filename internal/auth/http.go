// ABOUTME: HTTP middleware that resolves the caller's identity for API and WebSocket routes
// ABOUTME: Reads a bearer token from the Authorization header or the token query parameter

package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/17anirudh/quirks/internal/protocol"
)

// ErrUnauthorized is returned when the caller's identity could not be established.
var ErrUnauthorized = errors.New("unauthorized")

// DevHandleHeader carries an asserted handle when auth is disabled.
const DevHandleHeader = "X-Quirks-Handle"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// tokenFromRequest prefers the Authorization header. Browsers cannot set
// headers on a WebSocket upgrade, so GET requests may pass ?token= instead.
func tokenFromRequest(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" || r.Method != http.MethodGet {
		return extractBearerToken(h)
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, ""
	}
	return "", "missing authorization header"
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// HTTPAuthMiddleware creates an HTTP middleware that resolves the bearer
// token to a handle and adds an Identity to the request context.
func HTTPAuthMiddleware(resolver IdentityResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := tokenFromRequest(r)
			if errMsg != "" {
				writeUnauthorized(w, errMsg)
				return
			}

			handle, err := resolver.Resolve(token)
			if err != nil {
				logger.Debug("rejected token", "path", r.URL.Path, "error", err)
				if errors.Is(err, ErrExpiredToken) {
					writeUnauthorized(w, "token expired")
					return
				}
				writeUnauthorized(w, "invalid token")
				return
			}

			if !protocol.ValidHandle(handle) {
				writeUnauthorized(w, "invalid handle claim")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Handle: handle})))
		})
	}
}

// DevHandleMiddleware trusts the handle asserted in DevHandleHeader (or the
// handle query parameter on GET). Only for running without a jwt_secret.
func DevHandleMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle := r.Header.Get(DevHandleHeader)
			if handle == "" && r.Method == http.MethodGet {
				handle = r.URL.Query().Get("handle")
			}
			if !protocol.ValidHandle(handle) {
				writeUnauthorized(w, "missing "+DevHandleHeader+" header")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), &Identity{Handle: handle})))
		})
	}
}
