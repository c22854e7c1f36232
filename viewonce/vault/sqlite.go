package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/astro/viewonce"
)

// SQLite keeps payloads as blobs in the captures table (see internal/db).
type SQLite struct {
	db     *sql.DB
	window time.Duration
}

// NewSQLite creates a store on an already migrated database.
func NewSQLite(db *sql.DB, window time.Duration) *SQLite {
	if window <= 0 {
		window = viewonce.DefaultWindow
	}
	return &SQLite{db: db, window: window}
}

func (s *SQLite) Put(ctx context.Context, m viewonce.CapturedMedia) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO captures (message_id, owner_jid, kind, mimetype, data, captured_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.OwnerID, string(m.Kind), m.Mimetype, m.Data, m.CapturedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert capture: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert capture: %w", err)
	}
	return n == 1, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*viewonce.CapturedMedia, error) {
	var (
		m    viewonce.CapturedMedia
		kind string
		at   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, owner_jid, kind, mimetype, COALESCE(ack_id, ''), data, captured_at
		 FROM captures WHERE message_id = ? OR ack_id = ?
		 ORDER BY message_id = ? DESC LIMIT 1`, id, id, id,
	).Scan(&m.MessageID, &m.OwnerID, &kind, &m.Mimetype, &m.AckID, &m.Data, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, viewonce.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select capture: %w", err)
	}
	m.Kind = viewonce.MediaKind(kind)
	m.CapturedAt = time.UnixMilli(at)
	return &m, nil
}

func (s *SQLite) Acknowledge(ctx context.Context, id, ackID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE captures SET ack_id = ? WHERE message_id = ?`, ackID, id)
	if err != nil {
		return fmt.Errorf("acknowledge capture: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledge capture: %w", err)
	}
	if n == 0 {
		return viewonce.ErrNotFound
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM captures WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("delete capture: %w", err)
	}
	return nil
}

// Sweep deletes rows strictly older than the window.
func (s *SQLite) Sweep(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.window).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM captures WHERE captured_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep captures: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep captures: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) List(ctx context.Context) ([]viewonce.CapturedMedia, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, owner_jid, kind, mimetype, COALESCE(ack_id, ''), captured_at
		 FROM captures ORDER BY captured_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list captures: %w", err)
	}
	defer rows.Close()

	var out []viewonce.CapturedMedia
	for rows.Next() {
		var (
			m    viewonce.CapturedMedia
			kind string
			at   int64
		)
		if err := rows.Scan(&m.MessageID, &m.OwnerID, &kind, &m.Mimetype, &m.AckID, &at); err != nil {
			return nil, err
		}
		m.Kind = viewonce.MediaKind(kind)
		m.CapturedAt = time.UnixMilli(at)
		out = append(out, m)
	}
	return out, rows.Err()
}
