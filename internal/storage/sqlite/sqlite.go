// Package sqlite stores profiles in a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	appLog "howbehind/internal/log"
	"howbehind/internal/storage"
)

// Store implements storage.Backend on SQLite. Watchers are served from an
// in-process hub, so changes made by other processes are not observed.
type Store struct {
	db  *sql.DB
	hub *storage.Hub
}

// busyTimeout is how long a writer waits for another connection, possibly
// in another process, to release the database.
const busyTimeout = 5 * time.Second

// Open opens or creates the database at dbPath. Several processes may open
// the same file; writers wait up to busyTimeout for each other.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, hub: storage.NewHub()}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	appLog.Info("sqlite profile store opened", "path", dbPath)
	return s, nil
}

func dsn(dbPath string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", dbPath, busyTimeout.Milliseconds())
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS profiles (
  user_id TEXT PRIMARY KEY,
  doc BLOB NOT NULL,
  watermark TEXT NOT NULL DEFAULT '',
  revision INTEGER NOT NULL DEFAULT 0,
  updated_at TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create profiles table: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID string) (storage.Record, error) {
	var (
		rec       storage.Record
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, watermark, revision, updated_at FROM profiles WHERE user_id = ?`, userID,
	).Scan(&rec.Doc, &rec.Watermark, &rec.Revision, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("get profile: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func (s *Store) Put(ctx context.Context, userID string, doc []byte, watermark string) (int64, error) {
	const stmt = `
INSERT INTO profiles (user_id, doc, watermark, revision, updated_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT(user_id) DO UPDATE SET
  doc=excluded.doc,
  watermark=excluded.watermark,
  revision=profiles.revision + 1,
  updated_at=excluded.updated_at
RETURNING revision;
`
	var rev int64
	if err := s.db.QueryRowContext(ctx, stmt, userID, doc, watermark, now()).Scan(&rev); err != nil {
		return 0, fmt.Errorf("upsert profile: %w", err)
	}
	s.hub.Publish(userID, storage.Change{Doc: doc, Revision: rev})
	return rev, nil
}

func (s *Store) CompareAndPut(ctx context.Context, userID string, expected int64, doc []byte, watermark string) (int64, error) {
	var row *sql.Row
	if expected == 0 {
		// An absent row matches revision 0.
		const stmt = `
INSERT INTO profiles (user_id, doc, watermark, revision, updated_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT(user_id) DO UPDATE SET
  doc=excluded.doc,
  watermark=excluded.watermark,
  revision=profiles.revision + 1,
  updated_at=excluded.updated_at
WHERE profiles.revision = 0
RETURNING revision;
`
		row = s.db.QueryRowContext(ctx, stmt, userID, doc, watermark, now())
	} else {
		const stmt = `
UPDATE profiles SET doc = ?, watermark = ?, revision = revision + 1, updated_at = ?
WHERE user_id = ? AND revision = ?
RETURNING revision;
`
		row = s.db.QueryRowContext(ctx, stmt, doc, watermark, now(), userID, expected)
	}

	var rev int64
	err := row.Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("swap profile: %w", err)
	}
	s.hub.Publish(userID, storage.Change{Doc: doc, Revision: rev})
	return rev, nil
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.hub.Publish(userID, storage.Change{Deleted: true})
	}
	return nil
}

func (s *Store) CompareAndDelete(ctx context.Context, userID string, expected int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE user_id = ? AND revision = ?`, userID, expected)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n > 0 {
		s.hub.Publish(userID, storage.Change{Deleted: true})
		return nil
	}
	if _, err := s.Get(ctx, userID); errors.Is(err, storage.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return storage.ErrConflict
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Watch(ctx context.Context, userID string) (<-chan storage.Change, error) {
	return s.hub.Subscribe(ctx, userID)
}

func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
