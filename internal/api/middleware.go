package api

import (
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/zgate-dev/zgate/internal/config"
)

// corsMiddleware answers preflights and stamps CORS headers. Admin
// paths check the stricter AdminOrigins list when one is configured;
// everything else uses AllowedOrigins.
func corsMiddleware(cfg config.CORSConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := cfg.AllowedOrigins
			if len(cfg.AdminOrigins) > 0 && isAdminPath(r.URL.Path) {
				allowed = cfg.AdminOrigins
			}
			if originAllowed(origin, allowed) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key, X-Request-Id, Anthropic-Version")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id, X-Proxy-Rate-Limit, X-Proxy-Tier, Retry-After")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAdminPath(path string) bool {
	return strings.HasPrefix(path, "/model-routing") || strings.HasPrefix(path, "/control/")
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// rateLimitMiddleware is the inbound requests-per-second guard on the
// LLM routes. Exhausted tokens refuse immediately rather than queueing
// so the client backoff stays in charge.
func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
