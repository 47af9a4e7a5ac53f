// Package brevo stores contacts via the Brevo contacts API. It can be
// used instead of the SQLite store when the newsletter itself is sent
// from Brevo.
package brevo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/errorz"
	"github.com/brusselsmonitor/monitor/internal/krypto"
	"github.com/brusselsmonitor/monitor/internal/subscription"
)

// Settings contains the settings for the Brevo API.
type Settings struct {
	APIURL *url.URL
	APIKey krypto.Secret
}

// Store is a contact store backed by the Brevo contacts API. We don't
// use the Go Brevo package, because it brings in a lot of dependencies
// that we don't need. If we need more advanced features, we can
// reconsider using it.
type Store struct {
	client   *http.Client
	settings Settings
}

// New creates a new store.
func New(client *http.Client, s Settings) *Store {
	return &Store{
		client:   client,
		settings: s,
	}
}

type attributesJSON struct {
	Locale string `json:"LOCALE,omitempty"`
	Topics string `json:"TOPICS,omitempty"`
}

type contactJSON struct {
	Email            email.Address  `json:"email"`
	Attributes       attributesJSON `json:"attributes"`
	EmailBlacklisted bool           `json:"emailBlacklisted"`
	UpdateEnabled    bool           `json:"updateEnabled,omitempty"`
}

type errorJSON struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GetContact returns the contact for the given email address.
// It returns errorz.ErrNotFound if Brevo does not know the address.
func (s *Store) GetContact(ctx context.Context, addr email.Address) (subscription.Contact, error) {
	var data contactJSON
	err := s.do(ctx, http.MethodGet, s.contactURL(addr), nil, &data)
	if err != nil {
		return subscription.Contact{}, err
	}

	c := subscription.Contact{
		Email:      addr,
		Locale:     subscription.Locale(data.Attributes.Locale),
		Subscribed: !data.EmailBlacklisted,
	}

	if data.Attributes.Topics != "" {
		c.Topics = subscription.FilterTopics(strings.Split(data.Attributes.Topics, ","))
	}

	return c, nil
}

// UpsertContact creates or overwrites the contact.
func (s *Store) UpsertContact(ctx context.Context, c subscription.Contact) error {
	topics := make([]string, len(c.Topics))
	for i, t := range c.Topics {
		topics[i] = string(t)
	}

	data := contactJSON{
		Email: c.Email,
		Attributes: attributesJSON{
			Locale: string(c.Locale),
			Topics: strings.Join(topics, ","),
		},
		EmailBlacklisted: !c.Subscribed,
		UpdateEnabled:    true,
	}

	return s.do(ctx, http.MethodPost, s.contactsURL(), data, nil)
}

// MarkUnsubscribed blacklists the contact for email campaigns.
// It returns errorz.ErrNotFound if Brevo does not know the address.
func (s *Store) MarkUnsubscribed(ctx context.Context, addr email.Address) error {
	data := struct {
		EmailBlacklisted bool `json:"emailBlacklisted"`
	}{
		EmailBlacklisted: true,
	}

	return s.do(ctx, http.MethodPut, s.contactURL(addr), data, nil)
}

func (s *Store) contactsURL() string {
	return s.settings.APIURL.JoinPath("v3", "contacts").String()
}

func (s *Store) contactURL(addr email.Address) string {
	return s.settings.APIURL.JoinPath("v3", "contacts", string(addr)).String()
}

func (s *Store) do(ctx context.Context, method, reqURL string, in, out any) error {
	var body io.Reader
	if in != nil {
		var b bytes.Buffer
		if err := json.NewEncoder(&b).Encode(in); err != nil {
			return fmt.Errorf("failed to encode request json: %w", err)
		}
		body = &b
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", string(s.settings.APIKey.SecretValue()))
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errorz.ErrNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errRes errorJSON
		if err := json.NewDecoder(resp.Body).Decode(&errRes); err != nil {
			return fmt.Errorf("request did not succeed %d", resp.StatusCode)
		}

		return fmt.Errorf("request did not succeed %d: %s %s", resp.StatusCode, errRes.Code, errRes.Message)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
