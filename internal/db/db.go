package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the SQLite database at the given path.
func Open(dsn string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; keeps PRAGMAs and the WAL on a single connection.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS captures (
  message_id  TEXT PRIMARY KEY,
  owner_jid   TEXT NOT NULL,
  kind        TEXT NOT NULL,             -- image/video/audio
  mimetype    TEXT NOT NULL DEFAULT '',
  ack_id      TEXT,                      -- bot acknowledgement, quotable instead of message_id
  data        BLOB,
  captured_at INTEGER NOT NULL           -- unix milliseconds
);

CREATE INDEX IF NOT EXISTS captures_captured_at ON captures(captured_at);
CREATE INDEX IF NOT EXISTS captures_ack_id ON captures(ack_id);
`
