// Package db stores contacts in SQLite. Email addresses are encrypted
// at rest, lookups go through a blind index on the address.
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/brusselsmonitor/monitor/internal/db"
	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/krypto"
	"github.com/brusselsmonitor/monitor/internal/subscription"
)

// Store is responsible for interacting with a database.
type Store struct {
	db            *sql.DB
	encryptor     *krypto.Encryptor
	blindIndexKey krypto.Key

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

// New creates a new Store.
func New(sqlDB *sql.DB, encryptor *krypto.Encryptor, blindIndexKey krypto.Key) *Store {
	return &Store{
		db:            sqlDB,
		encryptor:     encryptor,
		blindIndexKey: blindIndexKey,
		NowFunc:       time.Now,
	}
}

func (s *Store) newQuery() db.Query {
	return db.Query{
		Encryptor:     s.encryptor,
		BlindIndexKey: s.blindIndexKey,
	}
}

// GetContact returns the contact for the given email address.
// It returns errorz.ErrNotFound if no contact exists.
func (s *Store) GetContact(ctx context.Context, addr email.Address) (subscription.Contact, error) {
	return selectContact(s.newQuery(), func(query string, params ...any) *sql.Row {
		return s.db.QueryRowContext(ctx, query, params...)
	}, addr)
}

// UpsertContact creates or overwrites the contact keyed by its email
// address. The created_at of an existing row is preserved.
func (s *Store) UpsertContact(ctx context.Context, c subscription.Contact) error {
	return upsertContact(s.newQuery(), func(query string, params ...any) (sql.Result, error) {
		return s.db.ExecContext(ctx, query, params...)
	}, c)
}

// MarkUnsubscribed flags the contact as unsubscribed.
// It returns errorz.ErrNotFound if no contact exists.
func (s *Store) MarkUnsubscribed(ctx context.Context, addr email.Address) error {
	return markUnsubscribed(s.newQuery(), func(query string, params ...any) (sql.Result, error) {
		return s.db.ExecContext(ctx, query, params...)
	}, addr, s.NowFunc())
}
