// Package github stores content files in a GitHub repository using the
// Contents API. The commit SHA of a file doubles as its revision id.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/brusselsmonitor/monitor/internal/errorz"
	"github.com/brusselsmonitor/monitor/internal/krypto"
	"github.com/brusselsmonitor/monitor/internal/review"
)

// Settings contains the settings for the GitHub API.
type Settings struct {
	APIURL *url.URL
	Owner  string
	Repo   string
	Branch string
	Token  krypto.Secret
}

// Store is a content store backed by a GitHub repository. We don't use
// the Go GitHub package, because it brings in a lot of dependencies
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

type fileJSON struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	SHA     string `json:"sha"`
	Content string `json:"content"`
}

type writeJSON struct {
	Message string `json:"message"`
	Content string `json:"content,omitempty"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

// Read returns the file at path.
func (s *Store) Read(ctx context.Context, path string) (review.File, error) {
	var data fileJSON
	err := s.do(ctx, http.MethodGet, path, nil, &data)
	if err != nil {
		return review.File{}, err
	}

	if data.Type != "file" {
		return review.File{}, fmt.Errorf("%q is not a file", path)
	}

	// The API returns base64 with embedded newlines.
	content, err := base64.StdEncoding.DecodeString(stripNewlines(data.Content))
	if err != nil {
		return review.File{}, fmt.Errorf("failed to decode content: %w", err)
	}

	return review.File{
		Content:    content,
		RevisionID: data.SHA,
	}, nil
}

// Write creates or updates the file at path. An empty revisionID
// creates the file, a non-empty one updates that exact revision.
func (s *Store) Write(ctx context.Context, path string, content []byte, revisionID, message string) error {
	data := writeJSON{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(content),
		SHA:     revisionID,
		Branch:  s.settings.Branch,
	}

	return s.do(ctx, http.MethodPut, path, data, nil)
}

// Delete removes the revision of the file at path.
func (s *Store) Delete(ctx context.Context, path string, revisionID, message string) error {
	data := writeJSON{
		Message: message,
		SHA:     revisionID,
		Branch:  s.settings.Branch,
	}

	return s.do(ctx, http.MethodDelete, path, data, nil)
}

// List returns the names of the files directly under dir.
func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	var entries []fileJSON
	err := s.do(ctx, http.MethodGet, dir, nil, &entries)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type != "file" {
			continue
		}
		names = append(names, e.Name)
	}

	return names, nil
}

func (s *Store) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		var b bytes.Buffer
		if err := json.NewEncoder(&b).Encode(in); err != nil {
			return fmt.Errorf("failed to encode request json: %w", err)
		}
		body = &b
	}

	reqURL := s.settings.APIURL.JoinPath("repos", s.settings.Owner, s.settings.Repo, "contents", path)
	if method == http.MethodGet && s.settings.Branch != "" {
		q := reqURL.Query()
		q.Set("ref", s.settings.Branch)
		reqURL.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+string(s.settings.Token.SecretValue()))
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errorz.ErrNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		// Stale or missing SHA, someone else touched the file.
		return errorz.ErrConflict
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request did not succeed %d: %s", resp.StatusCode, string(resBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func stripNewlines(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			continue
		}
		out = append(out, s[i])
	}

	return string(out)
}
