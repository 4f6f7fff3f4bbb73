package handlers

import (
	"fmt"
	"net"
	"net/http"

	"github.com/mrmushfiq/aiproxy-gateway/internal/shared/redis"
)

// Middleware holds the ambient, out-of-scope collaborators named in spec §1
// ("IP-based rate limiting" ... "treated as external collaborators").
// Adapted from the teacher's Middleware: the Postgres-backed API-key
// AuthMiddleware is dropped entirely (Non-goal: no end-user auth), and
// RateLimitMiddleware is re-keyed from an API-key id to the caller's IP.
type Middleware struct {
	redis *redis.Client
	limit int
}

func NewMiddleware(redisClient *redis.Client, limit int) *Middleware {
	if limit <= 0 {
		limit = 100
	}
	return &Middleware{redis: redisClient, limit: limit}
}

// IPRateLimit enforces the per-IP per-minute budget (spec §6
// "DEFAULT_RATE_LIMIT"). A nil redis client (REDIS_URL unset) disables
// throttling entirely rather than failing every request closed.
func (m *Middleware) IPRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := clientIPFromRequest(r)

		exceeded, remaining, err := m.redis.CheckRateLimit(r.Context(), clientIP, m.limit)
		if err != nil {
			// Redis hiccup: fail open rather than blocking every request.
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", m.limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if exceeded {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORS mirrors the teacher's CORSMiddleware unchanged: this is a proxy
// fronting API clients, not a browser-facing surface, so a permissive
// wildcard origin matches the teacher's own choice.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIPFromRequest takes the host part of the chi RealIP-rewritten
// RemoteAddr; chi's middleware.RealIP trusts X-Forwarded-For/X-Real-IP, so
// no header parsing belongs here. RealIP leaves the port on a direct
// connection's address, so it is stripped here.
func clientIPFromRequest(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
