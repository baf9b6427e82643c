package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

type CORSConfig struct {
	AllowOrigins []string
	MaxAge       int
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		MaxAge:       86400,
	}
}

// CORS wraps the whole engine so preflight requests are answered before
// routing.
func CORS(config CORSConfig, next http.Handler) http.Handler {
	if len(config.AllowOrigins) == 0 {
		config.AllowOrigins = DefaultCORSConfig().AllowOrigins
	}
	return cors.New(cors.Options{
		AllowedOrigins: config.AllowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept", HeaderXRequestID},
		ExposedHeaders: []string{HeaderXRequestID},
		MaxAge:         config.MaxAge,
	}).Handler(next)
}
