package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows browser calls from the listed origins. Requests without an
// Origin header (curl, the CLI) pass through untouched; preflight requests
// are answered here and never reach the routes.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler
}
