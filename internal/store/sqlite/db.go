// Package sqlite implements the store interfaces on an embedded sqlite
// database via database/sql and the modernc driver.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/rceold/whisperbot/internal/store"
)

// OpenDB opens (and creates if missing) the sqlite database at path with
// WAL journaling and a busy timeout suited to a single-process bot.
func OpenDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite supports one writer; more connections just queue on the lock.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// NewStores creates all stores backed by one sqlite database.
func NewStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Users:    NewUserStore(db),
		Messages: NewMessageStore(db),
		States:   NewStateStore(db),
		Blocks:   NewBlockStore(db),
		Reports:  NewReportStore(db),
	}
}
