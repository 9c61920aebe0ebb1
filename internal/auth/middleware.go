package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const KeyContextKey contextKey = "api_key"

// FromContext returns the authenticated key, if any.
func FromContext(ctx context.Context) (*APIKey, bool) {
	k, ok := ctx.Value(KeyContextKey).(*APIKey)
	return k, ok
}

// Middleware authenticates a Bearer key when one is sent. Requests without
// an Authorization header pass through anonymously; RequirePermission decides
// whether that is acceptable.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "Invalid authorization header")
			return
		}

		key, err := s.Authenticate(strings.TrimSpace(parts[1]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), KeyContextKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission returns middleware that rejects requests whose key may
// not perform act on obj. It is a no-op when auth is disabled.
func (s *Service) RequirePermission(obj, act string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			key, ok := FromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="countryrates"`)
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			allowed, err := s.Enforce(key.Name, obj, act)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			if !allowed {
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
