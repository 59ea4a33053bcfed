package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/lbforge/lbforge/internal/security"
)

// securityHeaders sets browser hardening headers on every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		h.Set("X-Permitted-Cross-Domain-Policies", "none")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

// corsHandler answers preflight requests and reflects allowed origins only.
func corsHandler(origins []string, next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				h.Set("Access-Control-Max-Age", "600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// bodyLimit caps request bodies so a client cannot stream an oversized
// payload into a handler.
func bodyLimit(max int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit throttles /v1 requests per client IP. Read requests (GET,
// HEAD) and mutating requests draw from separate budgets; probe and
// metrics endpoints are never limited.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		limiter := g.mutateLim
		class := "mutating"
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			limiter = g.readLim
			class = "read"
		}
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		identity := clientIP(r)
		if limited, retryAfter := limiter.Check(identity); limited {
			g.config.Metrics.RecordRateLimitReject(class)
			g.auditEvent(r.Context(), security.AuditEvent{
				Action:   "ratelimit.reject",
				Identity: identity,
				Target:   r.URL.Path,
				Result:   security.ResultDenied,
			})
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(ErrorBody{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the remote address without trusting forwarding headers.
// The service is designed for direct local access or a trusted proxy that
// rewrites RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// auditEvent records an audit entry, logging instead of failing when the
// trail is unavailable.
func (g *Gateway) auditEvent(ctx context.Context, event security.AuditEvent) {
	if g.audit == nil {
		return
	}
	if err := g.audit.LogAction(ctx, event); err != nil {
		g.logger.Error("audit write failed",
			slog.String("action", event.Action),
			slog.String("error", err.Error()),
		)
	}
}
