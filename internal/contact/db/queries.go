package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brusselsmonitor/monitor/internal/db"
	"github.com/brusselsmonitor/monitor/internal/email"
	"github.com/brusselsmonitor/monitor/internal/errorz"
	"github.com/brusselsmonitor/monitor/internal/subscription"
)

type execFunc func(query string, params ...any) (sql.Result, error)
type rowFunc func(query string, params ...any) *sql.Row

func upsertContact(q db.Query, ef execFunc, c subscription.Contact) error {
	topics, err := json.Marshal(c.Topics)
	if err != nil {
		return err
	}

	q.Unsafe(`INSERT INTO contacts (email_encrypted, email_blind_index, locale, topics, subscribed, created_at, updated_at) VALUES (`)
	q.ParamEncrypted([]byte(c.Email))
	q.Unsafe(`, `)
	q.ParamBlindIndex([]byte(c.Email))
	q.Unsafe(`, `)
	q.Params(string(c.Locale), string(topics), c.Subscribed, c.CreatedAt, c.UpdatedAt)
	q.Unsafe(`) ON CONFLICT (email_blind_index) DO UPDATE SET `)
	q.Unsafe(`email_encrypted = excluded.email_encrypted, `)
	q.Unsafe(`locale = excluded.locale, `)
	q.Unsafe(`topics = excluded.topics, `)
	q.Unsafe(`subscribed = excluded.subscribed, `)
	q.Unsafe(`updated_at = excluded.updated_at`)

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	_, err = ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	return nil
}

func selectContact(q db.Query, rf rowFunc, addr email.Address) (subscription.Contact, error) {
	q.Unsafe(`SELECT email_encrypted, locale, topics, subscribed, created_at, updated_at FROM contacts WHERE email_blind_index = `)
	q.ParamBlindIndex([]byte(addr))

	s, params, err := q.Get()
	if err != nil {
		return subscription.Contact{}, err
	}

	var (
		locale    string
		rawTopics string
	)

	var c subscription.Contact

	emailBytes := q.DecryptionTarget()
	err = rf(s, params...).Scan(emailBytes, &locale, &rawTopics, &c.Subscribed, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return subscription.Contact{}, errorz.MapDBErr(err)
	}

	c.Email = email.Address(emailBytes.Data)
	c.Locale = subscription.Locale(locale)

	if err := json.Unmarshal([]byte(rawTopics), &c.Topics); err != nil {
		return subscription.Contact{}, fmt.Errorf("failed to decode topics: %w", err)
	}

	return c, nil
}

func markUnsubscribed(q db.Query, ef execFunc, addr email.Address, now time.Time) error {
	q.Unsafe(`UPDATE contacts SET subscribed = `)
	q.Param(false)
	q.Unsafe(`, updated_at = `)
	q.Param(now)
	q.Unsafe(` WHERE email_blind_index = `)
	q.ParamBlindIndex([]byte(addr))

	s, params, err := q.Get()
	if err != nil {
		return err
	}

	result, err := ef(s, params...)
	if err != nil {
		return errorz.MapDBErr(err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errorz.MapDBErr(err)
	}

	if rows == 0 {
		return fmt.Errorf("contact not found: %w", errorz.ErrNotFound)
	}

	return nil
}
