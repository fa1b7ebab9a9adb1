// Package store opens the durable local store: a SQLite database holding the
// offline write queue, the request cache and a few metadata keys.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/diarysync/internal/repositories/metadata"
	"github.com/dmitrijs2005/diarysync/internal/repositories/pending"
	"github.com/dmitrijs2005/diarysync/internal/repositories/responses"
	"github.com/dmitrijs2005/diarysync/internal/store/migrations"
)

type Store struct {
	db        *sql.DB
	Metadata  *metadata.SQLiteRepository
	Pending   *pending.SQLiteRepository
	Responses *responses.SQLiteRepository
}

// DSN turns a plain file path into a modernc.org/sqlite DSN with WAL
// journaling and a busy timeout. DSNs already starting with "file:" and
// ":memory:" are returned unchanged.
func DSN(path string) string {
	if strings.HasPrefix(path, "file:") || path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
}

// Open opens the database at path, applies migrations and wires the
// repositories. The caller owns the returned Store and must Close it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
	// between goroutines of the same process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db:        db,
		Metadata:  metadata.NewSQLiteRepository(db),
		Pending:   pending.NewSQLiteRepository(db),
		Responses: responses.NewSQLiteRepository(db),
	}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports whether the store is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return s.db.Close()
}
