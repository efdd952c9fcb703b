package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/triproam/settlement-engine/api/responses"
	"github.com/triproam/settlement-engine/internal/ratelimit"
	"github.com/triproam/settlement-engine/pkg/logger"
)

// RateLimit applies one named fixed-window policy to the wrapped routes.
// Authenticated callers are throttled per user; anonymous ones per client IP.
func RateLimit(guard *ratelimit.Guard, policy ratelimit.Policy, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if guard == nil || !policy.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			subject := UserIDFromContext(r.Context())
			if subject == "" {
				subject = clientIP(r)
			}

			if err := guard.Check(r.Context(), policy, subject); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
