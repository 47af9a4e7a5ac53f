// Package db provides SQLite access helpers shared by the stores.
package db

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// Both option sets enable WAL mode so reads and writes don't block
	// each other, enforce foreign keys and wait up to 5 seconds for a
	// lock. The write options additionally use immediate transactions.
	writeOptions = "?mode=rw&_foreign_keys=on&_journal_mode=wal&_busy_timeout=5000&_txlock=immediate"
	readOptions  = "?mode=ro&_foreign_keys=on&_journal_mode=wal&_busy_timeout=5000"
)

// OpenSQLite opens a pool of SQLite connections. Reading and writing
// need different settings, so callers indicate what the pool is for.
//
// See https://github.com/mattn/go-sqlite3/issues/1179#issuecomment-1638083995
func OpenSQLite(dbFile string, write bool) (*sql.DB, error) {
	optsPostfix := readOptions
	if write {
		optsPostfix = writeOptions
	}

	db, err := sql.Open("sqlite3", dbFile+optsPostfix)
	if err != nil {
		return nil, err
	}

	if write {
		// a single long-lived connection for all writes.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	return db, nil
}
