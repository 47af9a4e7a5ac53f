package subscription

import (
	"context"
	"time"

	"github.com/brusselsmonitor/monitor/internal/email"
)

// Contact is a (prospective) newsletter subscriber.
type Contact struct {
	Email      email.Address
	Locale     Locale
	Topics     []Topic
	Subscribed bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasTopic reports whether the contact follows topic t.
func (c Contact) HasTopic(t Topic) bool {
	for _, ct := range c.Topics {
		if ct == t {
			return true
		}
	}

	return false
}

// ContactStore provides access to stored contacts.
type ContactStore interface {
	// GetContact returns the contact for the given email address.
	// If no contact exists, errorz.ErrNotFound is returned.
	GetContact(ctx context.Context, addr email.Address) (Contact, error)
	// UpsertContact creates or overwrites the contact keyed by its
	// email address.
	UpsertContact(ctx context.Context, c Contact) error
	// MarkUnsubscribed flags the contact as unsubscribed without
	// touching its other attributes. If no contact exists,
	// errorz.ErrNotFound is returned.
	MarkUnsubscribed(ctx context.Context, addr email.Address) error
}
