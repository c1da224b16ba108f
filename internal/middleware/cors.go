package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS разрешает кросс-доменные запросы из перечисленных источников.
// Токен передаётся в cookie или в заголовке Authorization, поэтому credentials разрешены.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Encoding", "X-Request-ID", "X-Device-Fingerprint"},
		ExposedHeaders:   []string{"Authorization", "X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
