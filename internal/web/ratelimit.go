package web

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/brusselsmonitor/monitor/internal/errorz"
)

// rateLimited wraps a handler with the request limiter. Blocked clients
// get a 429 with a Retry-After hint.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.deps.Limiter.Check(clientID(r))
		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.deps.Limiter.Window().Seconds())))
			s.handleError(w, r, errorz.ErrRateLimited)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientID identifies the client behind a request. Behind the reverse
// proxy that is the first X-Forwarded-For hop, locally the remote
// address. Unidentifiable clients share the limiter's fallback bucket.
func clientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if id := strings.TrimSpace(first); id != "" {
			return id
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}

	return ""
}
