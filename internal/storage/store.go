package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for the cursors of polled sources.
// Feed history is deliberately kept in memory only.
type Store struct {
	db *sql.DB
}

// Cursor is the last block/round a polled source has processed.
type Cursor struct {
	SourceID  string
	Height    uint64
	Hash      string
	UpdatedAt time.Time
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  source_id   TEXT PRIMARY KEY,
  height      INTEGER NOT NULL,
  hash        TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertCursor records the latest processed height/hash for a source.
func (s *Store) UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error {
	if sourceID == "" {
		return errors.New("sourceID required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (source_id, height, hash, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(source_id) DO UPDATE SET
  height=excluded.height,
  hash=excluded.hash,
  updated_at=CURRENT_TIMESTAMP;
`, sourceID, height, hash)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a source.
func (s *Store) GetCursor(ctx context.Context, sourceID string) (height uint64, hash string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT height, hash FROM cursors WHERE source_id = ?;
`, sourceID)
	switch err = row.Scan(&height, &hash); err {
	case nil:
		return height, hash, true, nil
	case sql.ErrNoRows:
		return 0, "", false, nil
	default:
		return 0, "", false, fmt.Errorf("get cursor: %w", err)
	}
}

// ListCursors returns every stored cursor ordered by source id.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, height, hash, updated_at FROM cursors ORDER BY source_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.SourceID, &c.Height, &c.Hash, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	return out, nil
}

// DeleteCursor forgets a source's position so it restarts from its start height.
func (s *Store) DeleteCursor(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE source_id = ?;`, sourceID); err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}
