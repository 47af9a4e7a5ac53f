package web_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/errorz"
	"github.com/brusselsmonitor/monitor/internal/feedback"
	"github.com/brusselsmonitor/monitor/internal/krypto"
	"github.com/brusselsmonitor/monitor/internal/ratelimit"
	"github.com/brusselsmonitor/monitor/internal/review"
	"github.com/brusselsmonitor/monitor/internal/subscription"
	"github.com/brusselsmonitor/monitor/internal/token"
	"github.com/brusselsmonitor/monitor/internal/web"
	"github.com/gorilla/sessions"
)

const testAdminPassword = "test-password"

type sentEmail struct {
	template string
	to       email.Address
}

// testEmailer records the emails that would have been sent.
type testEmailer struct {
	mu    sync.Mutex
	sends []sentEmail
}

func (e *testEmailer) Send(_ context.Context, template string, to email.Address, _ interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sends = append(e.sends, sentEmail{template: template, to: to})

	return nil
}

func (e *testEmailer) sent() []sentEmail {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]sentEmail{}, e.sends...)
}

// testContentStore is an in-memory review.ContentStore.
type testContentStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (s *testContentStore) Read(_ context.Context, p string) (review.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, ok := s.files[p]
	if !ok {
		return review.File{}, errorz.ErrNotFound
	}

	return review.File{Content: content, RevisionID: "rev-1"}, nil
}

func (s *testContentStore) Write(_ context.Context, p string, content []byte, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.files[p] = content

	return nil
}

func (s *testContentStore) Delete(_ context.Context, p string, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[p]; !ok {
		return errorz.ErrNotFound
	}

	delete(s.files, p)

	return nil
}

func (s *testContentStore) List(_ context.Context, dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	for p := range s.files {
		if path.Dir(p) == dir {
			names = append(names, path.Base(p))
		}
	}

	return names, nil
}

type harness struct {
	srv     *httptest.Server
	client  *http.Client
	store   *subscription.MemoryContactStore
	emailer *testEmailer
	codec   *token.Codec
	content *testContentStore
}

func newHarness(t *testing.T, limiter *ratelimit.Limiter) *harness {
	t.Helper()

	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultMax, ratelimit.DefaultWindow)
	}

	store := subscription.NewMemoryContactStore()
	emailer := &testEmailer{}

	codec, err := token.NewCodec(krypto.NewSecret("test-secret"))
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	subs, err := subscription.NewService(store, emailer, codec, func(err error) {
		t.Logf("subscription service error: %v", err)
	}, subscription.ServiceConfig{
		AdminAddr: "admin@example.com",
	})
	if err != nil {
		t.Fatalf("failed to create subscription service: %v", err)
	}

	content := &testContentStore{files: make(map[string][]byte)}

	feedbackSvc, err := feedback.NewService(emailer, "admin@example.com")
	if err != nil {
		t.Fatalf("failed to create feedback service: %v", err)
	}

	passwordHash, err := krypto.HashArgon2([]byte(testAdminPassword))
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	csrfKey, err := krypto.ParseKey("dfab77e26917c6e37a173690443a0016808ef7b24e32424d45cd83454198a6ec")
	if err != nil {
		t.Fatalf("failed to parse csrf key: %v", err)
	}

	server := web.NewServer(&web.ServerDeps{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Subscriptions: subs,
		Reviews:       review.NewService(content),
		Feedback:      feedbackSvc,
		SessionStore:  sessions.NewCookieStore([]byte("test-session-key")),
		Limiter:       limiter,
	}, web.ServerConfig{
		CSRFKey:           csrfKey,
		SecureCookie:      false,
		AdminPasswordHash: passwordHash,
	})

	srv := httptest.NewServer(server)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}

	return &harness{
		srv: srv,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		store:   store,
		emailer: emailer,
		codec:   codec,
		content: content,
	}
}

type envelope struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, res *http.Response) envelope {
	t.Helper()

	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	return env
}

func (h *harness) postJSON(t *testing.T, path string, body string, header http.Header) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, vals := range header {
		for _, val := range vals {
			req.Header.Add(key, val)
		}
	}

	res, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	return res
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()

	res, err := h.client.Get(h.srv.URL + path)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}

	return res
}

func Test_Server_Subscribe(t *testing.T) {
	t.Run("ok, form encoded", func(t *testing.T) {
		h := newHarness(t, nil)

		form := url.Values{
			"email":  {"alice@example.com"},
			"locale": {"nl"},
			"topics": {"budget", "mobility"},
		}

		res, err := h.client.PostForm(h.srv.URL+"/api/subscriptions", form)
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}

		if res.StatusCode != http.StatusAccepted {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusAccepted)
		}

		env := decodeEnvelope(t, res)
		if !env.OK {
			t.Errorf("expected ok response, got %+v", env)
		}

		sent := h.emailer.sent()
		if len(sent) != 1 || sent[0].template != "confirm-subscription.nl" || sent[0].to != "alice@example.com" {
			t.Errorf("unexpected sent emails %+v", sent)
		}
	})

	t.Run("ok, json body", func(t *testing.T) {
		h := newHarness(t, nil)

		res := h.postJSON(t, "/api/subscriptions", `{"email":"alice@example.com","locale":"fr","topics":["budget"]}`, nil)
		if res.StatusCode != http.StatusAccepted {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusAccepted)
		}
	})

	t.Run("fail, invalid input", func(t *testing.T) {
		h := newHarness(t, nil)

		res := h.postJSON(t, "/api/subscriptions", `{"email":"alice@example.com","locale":"xx","topics":[]}`, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusBadRequest)
		}

		env := decodeEnvelope(t, res)
		if env.Error != "invalid_input" {
			t.Errorf("got error code %q, want %q", env.Error, "invalid_input")
		}
	})

	t.Run("fail, malformed json", func(t *testing.T) {
		h := newHarness(t, nil)

		res := h.postJSON(t, "/api/subscriptions", `{"email":`, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusBadRequest)
		}
	})
}

func Test_Server_SubscriptionLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	confirmToken, err := h.codec.Issue(token.Payload{
		Email:  "alice@example.com",
		Locale: "fr",
		Topics: []string{"budget"},
	}, time.Hour)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	// Confirm the subscription.
	res := h.get(t, "/api/subscriptions/confirmations?token="+url.QueryEscape(confirmToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusOK)
	}

	var confirmation struct {
		Email       string   `json:"email"`
		Locale      string   `json:"locale"`
		Topics      []string `json:"topics"`
		ManageToken string   `json:"manageToken"`
	}

	env := decodeEnvelope(t, res)
	if err := json.Unmarshal(env.Data, &confirmation); err != nil {
		t.Fatalf("failed to decode confirmation: %v", err)
	}

	if confirmation.Email != "alice@example.com" || confirmation.Locale != "fr" {
		t.Errorf("unexpected confirmation %+v", confirmation)
	}

	if confirmation.ManageToken == "" {
		t.Fatal("expected a manage token")
	}

	contact, err := h.store.GetContact(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("expected stored contact, got error: %v", err)
	}

	if !contact.Subscribed {
		t.Error("expected contact to be subscribed")
	}

	// Read the preferences with the manage token.
	res = h.get(t, "/api/subscriptions/preferences?token="+url.QueryEscape(confirmation.ManageToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusOK)
	}

	// Update the preferences, German is allowed here.
	update := `{"token":"` + confirmation.ManageToken + `","locale":"de","topics":["mobility"]}`
	res = h.postJSON(t, "/api/subscriptions/preferences", update, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusOK)
	}

	env = decodeEnvelope(t, res)
	if err := json.Unmarshal(env.Data, &confirmation); err != nil {
		t.Fatalf("failed to decode confirmation: %v", err)
	}

	if confirmation.Locale != "de" || len(confirmation.Topics) != 1 || confirmation.Topics[0] != "mobility" {
		t.Errorf("unexpected confirmation %+v", confirmation)
	}

	// Unsubscribe via the emailed link, redirects to the goodbye page.
	res = h.get(t, "/unsubscribe?token="+url.QueryEscape(confirmation.ManageToken))
	if res.StatusCode != http.StatusFound {
		t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusFound)
	}

	if loc := res.Header.Get("Location"); loc != "/de/unsubscribed" {
		t.Errorf("got redirect to %q, want %q", loc, "/de/unsubscribed")
	}

	contact, err = h.store.GetContact(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("expected stored contact, got error: %v", err)
	}

	if contact.Subscribed {
		t.Error("expected contact to be unsubscribed")
	}
}

func Test_Server_InvalidTokens(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("fail, confirm with invalid token", func(t *testing.T) {
		res := h.get(t, "/api/subscriptions/confirmations?token=nonsense")
		if res.StatusCode != http.StatusForbidden {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusForbidden)
		}

		env := decodeEnvelope(t, res)
		if env.Error != "invalid_token" {
			t.Errorf("got error code %q, want %q", env.Error, "invalid_token")
		}
	})

	t.Run("fail, preferences for unknown contact", func(t *testing.T) {
		manageToken, err := h.codec.Issue(token.Payload{
			Email:  "nobody@example.com",
			Locale: "fr",
			Topics: []string{"budget"},
		}, time.Hour)
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}

		res := h.get(t, "/api/subscriptions/preferences?token="+url.QueryEscape(manageToken))
		if res.StatusCode != http.StatusNotFound {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("ok, unsubscribe with invalid token redirects to expired page", func(t *testing.T) {
		res := h.get(t, "/unsubscribe?token=nonsense")
		if res.StatusCode != http.StatusFound {
			t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusFound)
		}

		if loc := res.Header.Get("Location"); loc != "/fr/link-expired" {
			t.Errorf("got redirect to %q, want %q", loc, "/fr/link-expired")
		}
	})
}

func Test_Server_RateLimit(t *testing.T) {
	h := newHarness(t, ratelimit.New(2, time.Minute))

	header := http.Header{"X-Forwarded-For": {"203.0.113.7"}}
	body := `{"page":"/fr/budget","message":"great work"}`

	for i := 0; i < 2; i++ {
		res := h.postJSON(t, "/api/feedback", body, header)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("request %d: got status %d, want %d", i, res.StatusCode, http.StatusOK)
		}
		res.Body.Close()
	}

	res := h.postJSON(t, "/api/feedback", body, header)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusTooManyRequests)
	}

	if got := res.Header.Get("Retry-After"); got != "60" {
		t.Errorf("got Retry-After %q, want %q", got, "60")
	}

	env := decodeEnvelope(t, res)
	if env.Error != "rate_limited" {
		t.Errorf("got error code %q, want %q", env.Error, "rate_limited")
	}

	// Another client is unaffected.
	res = h.postJSON(t, "/api/feedback", body, http.Header{"X-Forwarded-For": {"203.0.113.8"}})
	if res.StatusCode != http.StatusOK {
		t.Errorf("got status %d, want %d", res.StatusCode, http.StatusOK)
	}
	res.Body.Close()
}

func Test_Server_Feedback(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		h := newHarness(t, nil)

		res := h.postJSON(t, "/api/feedback", `{"page":"/fr/budget","message":"the numbers look off"}`, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusOK)
		}

		var ref struct {
			Ref string `json:"ref"`
		}

		env := decodeEnvelope(t, res)
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			t.Fatalf("failed to decode reference: %v", err)
		}

		if ref.Ref == "" {
			t.Error("expected a non-empty reference")
		}

		sent := h.emailer.sent()
		if len(sent) != 1 || sent[0].template != "feedback-received" || sent[0].to != "admin@example.com" {
			t.Errorf("unexpected sent emails %+v", sent)
		}
	})

	t.Run("fail, empty message", func(t *testing.T) {
		h := newHarness(t, nil)

		res := h.postJSON(t, "/api/feedback", `{"page":"/fr/budget","message":"  "}`, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusBadRequest)
		}
	})
}

// csrfToken fetches a CSRF token. The matching cookie ends up in the
// client's jar.
func (h *harness) csrfToken(t *testing.T) string {
	t.Helper()

	res := h.get(t, "/admin/csrf")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusOK)
	}

	var data struct {
		Token string `json:"csrfToken"`
	}

	env := decodeEnvelope(t, res)
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("failed to decode csrf token: %v", err)
	}

	if data.Token == "" {
		t.Fatal("expected a non-empty csrf token")
	}

	return data.Token
}

func (h *harness) login(t *testing.T) string {
	t.Helper()

	csrf := h.csrfToken(t)

	res := h.postJSON(t, "/admin/sessions", `{"password":"`+testAdminPassword+`"}`, http.Header{
		"X-CSRF-Token": {csrf},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login failed with status %d", res.StatusCode)
	}
	res.Body.Close()

	return csrf
}

func Test_Server_Admin(t *testing.T) {
	t.Run("fail, drafts without session", func(t *testing.T) {
		h := newHarness(t, nil)

		res := h.get(t, "/admin/drafts")
		if res.StatusCode != http.StatusUnauthorized {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusUnauthorized)
		}

		env := decodeEnvelope(t, res)
		if env.Error != "unauthorized" {
			t.Errorf("got error code %q, want %q", env.Error, "unauthorized")
		}
	})

	t.Run("fail, login without csrf token", func(t *testing.T) {
		h := newHarness(t, nil)

		res := h.postJSON(t, "/admin/sessions", `{"password":"`+testAdminPassword+`"}`, nil)
		if res.StatusCode != http.StatusForbidden {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusForbidden)
		}
		res.Body.Close()
	})

	t.Run("fail, login with wrong password", func(t *testing.T) {
		h := newHarness(t, nil)

		csrf := h.csrfToken(t)

		res := h.postJSON(t, "/admin/sessions", `{"password":"nope"}`, http.Header{
			"X-CSRF-Token": {csrf},
		})
		if res.StatusCode != http.StatusUnauthorized {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusUnauthorized)
		}

		env := decodeEnvelope(t, res)
		if env.Error != "invalid_credentials" {
			t.Errorf("got error code %q, want %q", env.Error, "invalid_credentials")
		}
	})

	t.Run("ok, review drafts", func(t *testing.T) {
		h := newHarness(t, nil)
		h.content.files["content/drafts/budget-2026.json"] = []byte(`{"title":"Budget 2026"}`)
		h.content.files["content/drafts/mobility-plan.json"] = []byte(`{"title":"Mobility plan"}`)

		csrf := h.login(t)

		res := h.get(t, "/admin/drafts")
		if res.StatusCode != http.StatusOK {
			t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusOK)
		}

		var names []string
		env := decodeEnvelope(t, res)
		if err := json.Unmarshal(env.Data, &names); err != nil {
			t.Fatalf("failed to decode draft names: %v", err)
		}

		if len(names) != 2 {
			t.Fatalf("got %d drafts, want 2", len(names))
		}

		// Publish one draft.
		res = h.postJSON(t, "/admin/drafts/publish", `{"name":"budget-2026.json"}`, http.Header{
			"X-CSRF-Token": {csrf},
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusOK)
		}
		res.Body.Close()

		if _, ok := h.content.files["content/published/budget-2026.json"]; !ok {
			t.Error("expected draft to be published")
		}

		if _, ok := h.content.files["content/drafts/budget-2026.json"]; ok {
			t.Error("expected draft to be removed after publishing")
		}

		// Reject the other draft.
		res = h.postJSON(t, "/admin/drafts/reject", `{"name":"mobility-plan.json","reason":"needs sources"}`, http.Header{
			"X-CSRF-Token": {csrf},
		})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusOK)
		}
		res.Body.Close()

		if _, ok := h.content.files["content/drafts/mobility-plan.json"]; ok {
			t.Error("expected draft to be removed after rejecting")
		}
	})

	t.Run("fail, publish unknown draft", func(t *testing.T) {
		h := newHarness(t, nil)

		csrf := h.login(t)

		res := h.postJSON(t, "/admin/drafts/publish", `{"name":"nope.json"}`, http.Header{
			"X-CSRF-Token": {csrf},
		})
		if res.StatusCode != http.StatusNotFound {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusNotFound)
		}
	})

	t.Run("ok, logout ends the session", func(t *testing.T) {
		h := newHarness(t, nil)

		csrf := h.login(t)

		req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/admin/sessions", nil)
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		req.Header.Set("X-CSRF-Token", csrf)

		res, err := h.client.Do(req)
		if err != nil {
			t.Fatalf("failed to send request: %v", err)
		}
		res.Body.Close()

		if res.StatusCode != http.StatusOK {
			t.Fatalf("got status %d, want %d", res.StatusCode, http.StatusOK)
		}

		res = h.get(t, "/admin/drafts")
		if res.StatusCode != http.StatusUnauthorized {
			t.Errorf("got status %d, want %d", res.StatusCode, http.StatusUnauthorized)
		}
	})
}
