// Package web exposes the subscription, feedback and review workflows
// over a JSON HTTP API.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/errorz"
	"github.com/brusselsmonitor/monitor/internal/feedback"
	"github.com/brusselsmonitor/monitor/internal/krypto"
	"github.com/brusselsmonitor/monitor/internal/ratelimit"
	"github.com/brusselsmonitor/monitor/internal/review"
	"github.com/brusselsmonitor/monitor/internal/subscription"
	"github.com/gorilla/csrf"
	"github.com/gorilla/schema"
	"github.com/gorilla/sessions"
)

// ServerDeps are the dependencies for the server.
type ServerDeps struct {
	Logger        *slog.Logger
	Subscriptions *subscription.Service
	Reviews       *review.Service
	Feedback      *feedback.Service
	SessionStore  sessions.Store
	Limiter       *ratelimit.Limiter
}

// ServerConfig is the configuration for the server.
type ServerConfig struct {
	CSRFKey           krypto.Key
	SecureCookie      bool
	AdminPasswordHash krypto.Argon2Hash
}

type Server struct {
	deps    *ServerDeps
	cfg     ServerConfig
	mux     *http.ServeMux
	decoder *schema.Decoder
	handler http.Handler
}

func NewServer(deps *ServerDeps, cfg ServerConfig) *Server {
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		mux:     http.NewServeMux(),
		decoder: schema.NewDecoder(),
	}

	s.decoder.IgnoreUnknownKeys(true)

	// Most endpoints below are created using the map functions. These
	// return handlers that automatically map between HTTP requests,
	// target functions and JSON responses. The request mapping and
	// response writing is customizable.

	// Subscribe endpoint. Abuse-prone, so rate limited. 202 because the
	// actual subscription only happens once the emailed token is used.
	{
		h := mapRequest(s, func(ctx context.Context, in subscribeInput) error {
			return deps.Subscriptions.Subscribe(ctx, subscription.SubscribeRequest{
				Email:  in.Email,
				Locale: subscription.Locale(in.Locale),
				Topics: in.Topics,
			})
		})
		h.response(func(r result[subscribeInput, struct{}]) error {
			return writeOK(r.w, http.StatusAccepted)
		})

		s.mux.Handle("POST /api/subscriptions", s.rateLimited(h))
	}

	// Confirm endpoint, linked from the confirmation email.
	{
		h := mapBoth(s, func(ctx context.Context, in tokenInput) (subscription.Confirmation, error) {
			return deps.Subscriptions.Confirm(ctx, in.Token)
		})
		h.response(func(r result[tokenInput, subscription.Confirmation]) error {
			return writeData(r.w, http.StatusOK, confirmationJSON{
				Email:       r.out.Contact.Email,
				Locale:      string(r.out.Contact.Locale),
				Topics:      topicStrings(r.out.Contact.Topics),
				ManageToken: r.out.ManageToken,
			})
		})

		s.mux.Handle("GET /api/subscriptions/confirmations", h)
	}

	// Preference endpoints, linked from every newsletter.
	{
		h := mapBoth(s, func(ctx context.Context, in tokenInput) (subscription.Contact, error) {
			return deps.Subscriptions.Preferences(ctx, in.Token)
		})
		h.response(func(r result[tokenInput, subscription.Contact]) error {
			return writeData(r.w, http.StatusOK, contactJSON{
				Email:      r.out.Email,
				Locale:     string(r.out.Locale),
				Topics:     topicStrings(r.out.Topics),
				Subscribed: r.out.Subscribed,
			})
		})

		s.mux.Handle("GET /api/subscriptions/preferences", h)
	}
	{
		h := mapBoth(s, func(ctx context.Context, in updateInput) (subscription.Confirmation, error) {
			return deps.Subscriptions.UpdatePreferences(ctx, subscription.UpdateRequest{
				Token:  in.Token,
				Locale: subscription.Locale(in.Locale),
				Topics: in.Topics,
			})
		})
		h.response(func(r result[updateInput, subscription.Confirmation]) error {
			return writeData(r.w, http.StatusOK, confirmationJSON{
				Email:       r.out.Contact.Email,
				Locale:      string(r.out.Contact.Locale),
				Topics:      topicStrings(r.out.Contact.Topics),
				ManageToken: r.out.ManageToken,
			})
		})

		s.mux.Handle("POST /api/subscriptions/preferences", h)
	}

	// Unsubscribe is a plain link in emails, so it redirects to static
	// pages instead of returning JSON.
	s.mux.HandleFunc("GET /unsubscribe", func(w http.ResponseWriter, r *http.Request) {
		locale, err := deps.Subscriptions.Unsubscribe(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			if errors.Is(err, errorz.ErrInvalidToken) {
				http.Redirect(w, r, "/"+string(subscription.DefaultLocale)+"/link-expired", http.StatusFound)
				return
			}

			s.handleError(w, r, err)
			return
		}

		http.Redirect(w, r, "/"+string(locale)+"/unsubscribed", http.StatusFound)
	})

	// Feedback endpoint, also abuse-prone.
	{
		h := mapBoth(s, func(ctx context.Context, in feedbackInput) (string, error) {
			return deps.Feedback.Submit(ctx, feedback.Submission{
				Email:   in.Email,
				Page:    in.Page,
				Message: in.Message,
			})
		})
		h.response(func(r result[feedbackInput, string]) error {
			return writeData(r.w, http.StatusOK, referenceJSON{Ref: r.out})
		})

		s.mux.Handle("POST /api/feedback", s.rateLimited(h))
	}

	// Admin endpoints get their own mux so the CSRF middleware only
	// wraps this subtree.
	admin := http.NewServeMux()

	admin.HandleFunc("GET /admin/csrf", func(w http.ResponseWriter, r *http.Request) {
		err := writeData(w, http.StatusOK, csrfJSON{Token: csrf.Token(r)})
		if err != nil {
			s.handleError(w, r, err)
		}
	})

	admin.HandleFunc("POST /admin/sessions", s.handleLogin)
	admin.HandleFunc("DELETE /admin/sessions", s.handleLogout)

	{
		h := mapResponse(s, func(ctx context.Context) ([]string, error) {
			return deps.Reviews.ListDrafts(ctx)
		})

		admin.Handle("GET /admin/drafts", s.adminOnly(h))
	}
	{
		h := mapBoth(s, func(ctx context.Context, in publishInput) (string, error) {
			return deps.Reviews.Publish(ctx, in.Name)
		})
		h.response(func(r result[publishInput, string]) error {
			return writeData(r.w, http.StatusOK, referenceJSON{Ref: r.out})
		})

		admin.Handle("POST /admin/drafts/publish", s.adminOnly(h))
	}
	{
		h := mapRequest(s, func(ctx context.Context, in rejectInput) error {
			return deps.Reviews.Reject(ctx, in.Name, in.Reason)
		})

		admin.Handle("POST /admin/drafts/reject", s.adminOnly(h))
	}

	csrfMW := csrf.Protect(
		cfg.CSRFKey.SecretValue(),
		csrf.CookieName(csrfTokenCookieName),
		csrf.RequestHeader(csrfTokenHeader),
		csrf.Secure(cfg.SecureCookie),
	)

	s.mux.Handle("/admin/", csrfMW(admin))

	s.handler = s.mux

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type subscribeInput struct {
	Email  email.Address `json:"email" schema:"email"`
	Locale string        `json:"locale" schema:"locale"`
	Topics []string      `json:"topics" schema:"topics"`
}

type tokenInput struct {
	Token string `json:"token" schema:"token"`
}

type updateInput struct {
	Token  string   `json:"token" schema:"token"`
	Locale string   `json:"locale" schema:"locale"`
	Topics []string `json:"topics" schema:"topics"`
}

type feedbackInput struct {
	Email   email.Address `json:"email" schema:"email"`
	Page    string        `json:"page" schema:"page"`
	Message string        `json:"message" schema:"message"`
}

type publishInput struct {
	Name string `json:"name" schema:"name"`
}

type rejectInput struct {
	Name   string `json:"name" schema:"name"`
	Reason string `json:"reason" schema:"reason"`
}

type confirmationJSON struct {
	Email       email.Address `json:"email"`
	Locale      string        `json:"locale"`
	Topics      []string      `json:"topics"`
	ManageToken string        `json:"manageToken"`
}

type contactJSON struct {
	Email      email.Address `json:"email"`
	Locale     string        `json:"locale"`
	Topics     []string      `json:"topics"`
	Subscribed bool          `json:"subscribed"`
}

type referenceJSON struct {
	Ref string `json:"ref"`
}

type csrfJSON struct {
	Token string `json:"csrfToken"`
}

func topicStrings(topics []subscription.Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = string(t)
	}

	return out
}
