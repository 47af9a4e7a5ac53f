package errorz

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConstraintViolated indicates a database constraint was violated.
	ErrConstraintViolated = errors.New("constraint violated")
	// ErrInvalidToken is the single opaque outcome for every token
	// verification failure. Bad signature, corrupt payload and expiry are
	// deliberately indistinguishable so callers can't be used as an oracle.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrRateLimited indicates a client exceeded its request quota.
	ErrRateLimited = errors.New("rate limited")
	// ErrConflict indicates a write lost an optimistic concurrency check.
	ErrConflict = errors.New("conflicting write")
	// ErrServiceUnavailable indicates a dependency required for the
	// primary effect of an operation is missing or unreachable.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// MapDBErr maps database errors to appropriate errorz errors.
// If err is nil, MapDBErr returns nil.
func MapDBErr(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	sErr := sqlite3.Error{}
	if errors.As(err, &sErr) {
		if sErr.Code == sqlite3.ErrConstraint {
			return ErrConstraintViolated
		}
	}

	return err
}
