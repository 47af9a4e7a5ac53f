package web

import (
	"net/http"
)

const (
	// AdminSession is the name of the admin session cookie.
	AdminSession = "bm-admin"

	csrfTokenCookieName = "bm-csrf"
	csrfTokenHeader     = "X-CSRF-Token"
)

type loginInput struct {
	Password string `json:"password" schema:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	in, err := defaultRequest[loginInput](s, r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	if in.Password == "" || !s.cfg.AdminPasswordHash.MatchBytes([]byte(in.Password)) {
		s.handleError(w, r, errInvalidCredentials)
		return
	}

	session, err := s.deps.SessionStore.Get(r, AdminSession)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	session.Values["admin"] = true
	if err := s.deps.SessionStore.Save(r, w, session); err != nil {
		s.handleError(w, r, err)
		return
	}

	if err := writeOK(w, http.StatusOK); err != nil {
		s.handleError(w, r, err)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.SessionStore.Get(r, AdminSession)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	// Setting the age in the past deletes the cookie.
	session.Options.MaxAge = -1
	if err := s.deps.SessionStore.Save(r, w, session); err != nil {
		s.handleError(w, r, err)
		return
	}

	if err := writeOK(w, http.StatusOK); err != nil {
		s.handleError(w, r, err)
	}
}

// adminOnly only forwards requests carrying an admin session.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.deps.SessionStore.Get(r, AdminSession)
		if err != nil {
			s.handleError(w, r, err)
			return
		}

		isAdmin, ok := session.Values["admin"].(bool)
		if !ok || !isAdmin {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}
