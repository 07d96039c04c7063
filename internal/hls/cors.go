package hls

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows every origin on the methods the UI uses. OPTIONS requests are
// answered with 204 after the CORS headers are written, preflight or not.
func CORS() func(http.Handler) http.Handler {
	policy := cors.Handler(cors.Options{
		AllowedOrigins:     []string{"*"},
		AllowedMethods:     []string{"GET", "POST", "OPTIONS", "PUT", "PATCH", "DELETE"},
		AllowedHeaders:     []string{"X-Requested-With", "Content-Type"},
		OptionsPassthrough: true,
	})
	return func(next http.Handler) http.Handler {
		return policy(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
