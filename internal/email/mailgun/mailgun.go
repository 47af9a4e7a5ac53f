package mailgun

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/krypto"
)

// Settings contains the settings for the Mailgun API.
type Settings struct {
	APIHost  string
	Domain   string
	Username string
	Password krypto.Secret
}

// Sender is an email sender that sends emails using the Mailgun API.
type Sender struct {
	client   *http.Client
	settings Settings
}

// NewSender creates a new sender.
func NewSender(client *http.Client, s Settings) *Sender {
	return &Sender{
		client:   client,
		settings: s,
	}
}

// Send sends an email using the Mailgun API. We don't use the Go mailgun
// package, because it brings in a lot of dependencies that we don't need.
// If we need more advanced features, we can reconsider using it.
func (s *Sender) Send(ctx context.Context, from, recipient email.Address, subject, body string, tags []string) error {
	// We first map the input fields to a multipart form.
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"from":    string(from),
		"to":      string(recipient),
		"subject": subject,
		"text":    body,
	}

	for field, v := range fields {
		ff, err := w.CreateFormField(field)
		if err != nil {
			return err
		}
		if _, err := io.Copy(ff, strings.NewReader(v)); err != nil {
			return err
		}
	}

	for _, tag := range tags {
		ff, err := w.CreateFormField("o:tag")
		if err != nil {
			return err
		}
		if _, err := io.Copy(ff, strings.NewReader(tag)); err != nil {
			return err
		}
	}

	err := w.Close()
	if err != nil {
		return err
	}

	// Then we construct the request.
	reqURL := fmt.Sprintf("https://%s/v3/%s/messages", s.settings.APIHost, s.settings.Domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", w.FormDataContentType())
	req.SetBasicAuth(s.settings.Username, string(s.settings.Password.SecretValue()))

	// And finally we send the request.
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request did not succeed %d: %v", resp.StatusCode, string(resBody))
	}

	return nil
}
