// ABOUTME: HTTP middleware and token extraction for JWT authentication
// ABOUTME: Bearer header first, then the token query parameter used by browser WebSockets

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrMissingToken is returned when a request carries no token at all.
var ErrMissingToken = errors.New("missing token")

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// ExtractToken returns the request's token from the Authorization header,
// falling back to the "token" query parameter. Browsers cannot set headers
// on a WebSocket handshake, so the query form is the common case there.
func ExtractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, errMsg := extractBearerToken(header)
		if errMsg != "" {
			return "", errors.New(errMsg)
		}
		return token, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates
// JWT tokens and adds the verified claims to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "token expired"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), claims)))
		})
	}
}

// RequireAgent creates an HTTP middleware that requires the agent or admin
// role. Must be used after HTTPAuthMiddleware.
func RequireAgent() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := FromContext(r.Context())
			if claims == nil {
				writeAuthError(w, http.StatusUnauthorized, "not authenticated")
				return
			}

			if !claims.IsStaff() {
				writeAuthError(w, http.StatusForbidden, "agent role required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
