// Package review implements the editorial workflow for drafted site
// content: listing, publishing and rejecting drafts. Content lives in a
// versioned store, payloads are treated as opaque.
package review

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"
)

const (
	draftsDir    = "content/drafts"
	publishedDir = "content/published"
)

// File is a stored content file.
type File struct {
	Content []byte
	// RevisionID identifies the revision that was read. Writes and
	// deletes must present it, a stale id fails with errorz.ErrConflict.
	RevisionID string
}

// ContentStore provides access to versioned content files.
type ContentStore interface {
	// Read returns the file at path. If no file exists,
	// errorz.ErrNotFound is returned.
	Read(ctx context.Context, path string) (File, error)
	// Write creates or updates the file at path. An empty revisionID
	// creates, a non-empty one updates that revision.
	Write(ctx context.Context, path string, content []byte, revisionID, message string) error
	// Delete removes the revision of the file at path.
	Delete(ctx context.Context, path string, revisionID, message string) error
	// List returns the file names directly under dir.
	List(ctx context.Context, dir string) ([]string, error)
}

// Service implements the review workflow on top of a ContentStore.
type Service struct {
	store ContentStore
}

// NewService creates a new service.
func NewService(store ContentStore) *Service {
	return &Service{
		store: store,
	}
}

// ListDrafts returns the names of all drafts awaiting review.
func (s *Service) ListDrafts(ctx context.Context) ([]string, error) {
	return s.store.List(ctx, draftsDir)
}

// Publish moves a draft to the published directory. The returned
// reference ties the publish and cleanup commits together.
func (s *Service) Publish(ctx context.Context, name string) (string, error) {
	ref := uuid.New().String()

	draft, err := s.store.Read(ctx, path.Join(draftsDir, name))
	if err != nil {
		return "", err
	}

	// An existing published file is updated in place.
	var publishedRev string
	published, err := s.store.Read(ctx, path.Join(publishedDir, name))
	if err == nil {
		publishedRev = published.RevisionID
	}

	err = s.store.Write(ctx, path.Join(publishedDir, name), draft.Content, publishedRev, fmt.Sprintf("publish %s (ref %s)", name, ref))
	if err != nil {
		return "", err
	}

	err = s.store.Delete(ctx, path.Join(draftsDir, name), draft.RevisionID, fmt.Sprintf("remove published draft %s (ref %s)", name, ref))
	if err != nil {
		return "", err
	}

	return ref, nil
}

// Reject removes a draft without publishing it.
func (s *Service) Reject(ctx context.Context, name, reason string) error {
	draft, err := s.store.Read(ctx, path.Join(draftsDir, name))
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("reject draft %s", name)
	if reason != "" {
		msg += ": " + reason
	}

	return s.store.Delete(ctx, path.Join(draftsDir, name), draft.RevisionID, msg)
}
