package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver

	"coe/pkg/protocol"
)

// SQLite implements Store on a database/sql handle using modernc.org/sqlite.
type SQLite struct {
	db      *sql.DB
	nowFunc func() time.Time
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) the database at path, enables WAL and a
// busy timeout, and applies the schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open handle and applies the schema.
func New(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	// One connection: SQLite serialises writers anyway, and this keeps
	// shared-cache in-memory databases free of table lock errors.
	db.SetMaxOpenConns(1)
	return &SQLite{db: db, nowFunc: time.Now}, nil
}

// SetNowFunc overrides the time source. For tests.
func (s *SQLite) SetNowFunc(fn func() time.Time) { s.nowFunc = fn }

// DB exposes the underlying handle.
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) now() string { return formatTime(s.nowFunc()) }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullable maps "" to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
