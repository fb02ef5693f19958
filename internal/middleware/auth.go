package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agrosync/agent/internal/config"
)

// APIKeyAuth guards the local control API with a single shared key.
// Health and websocket endpoints stay open so dashboards and probes
// work without credentials.
func APIKeyAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isExemptPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get(cfg.Security.APIKeyHeader)
			if apiKey == "" {
				// Support Authorization: Bearer <key> as well
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					apiKey = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}

			if apiKey == "" {
				respondUnauthorized(w, "API key required")
				return
			}

			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(cfg.Security.APIKey)) != 1 {
				respondUnauthorized(w, "Invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isExemptPath(path string) bool {
	return path == "/health" || path == "/ready" || path == "/ws"
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
