package web

import (
	"errors"
	"net/http"

	"github.com/brusselsmonitor/monitor/internal/errorz"
)

var errInvalidCredentials = errors.New("invalid credentials")

// handleError maps service errors to JSON error responses. Clients only
// ever see a stable code, detail stays in the server log.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var invalidInput errorz.InvalidInput
	if errors.As(err, &invalidInput) {
		s.writeError(w, http.StatusBadRequest, "invalid_input")
		return
	}

	switch {
	case errors.Is(err, errorz.ErrInvalidToken):
		s.writeError(w, http.StatusForbidden, "invalid_token")
	case errors.Is(err, errInvalidCredentials):
		s.writeError(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, errorz.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "rate_limited")
	case errors.Is(err, errorz.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, errorz.ErrConflict):
		s.writeError(w, http.StatusConflict, "conflict")
	case errors.Is(err, errorz.ErrServiceUnavailable):
		s.deps.Logger.Error("service unavailable", "url", r.URL.String(), "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "service_unavailable")
	default:
		s.deps.Logger.Error("internal server error", "url", r.URL.String(), "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code string) {
	err := writeJSON(w, status, envelope{Error: code})
	if err != nil {
		s.deps.Logger.Error("failed to write error response", "error", err)
	}
}
