// Package sqlite implements storage.ArchiveStore on SQLite.
//
// Archived messages are append-only. The full message travels in the wire
// encoding; the lookup columns are copies used for queries.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/snehjoshi/syncq/internal/storage"
	"github.com/snehjoshi/syncq/internal/types"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS archived_messages (
  message_id  TEXT PRIMARY KEY,
  type_id     TEXT NOT NULL,
  username    TEXT NOT NULL,
  device_id   TEXT NOT NULL,
  status      INTEGER NOT NULL,
  created     INTEGER NOT NULL,
  archived    INTEGER NOT NULL,
  message     BLOB NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_archived_messages_device
ON archived_messages (username, device_id, archived DESC);
`,
}

// Store is the SQLite archive.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

var _ storage.ArchiveStore = (*Store)(nil)

// Open opens (or creates) the archive at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sqlite archive: create dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite archive: ping: %w: %w", storage.ErrUnavailable, err)
	}

	s := &Store{db: db}
	if err := s.enableWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

func (s *Store) enableWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("sqlite archive: enable wal: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("sqlite archive: enable wal: journal mode is %q", mode)
	}
	return nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("sqlite archive: read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite archive: begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("sqlite archive: migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("sqlite archive: set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite archive: commit migration: %w", err)
	}
	return nil
}

// ArchiveMessage implements storage.ArchiveStore.
func (s *Store) ArchiveMessage(ctx context.Context, a *types.ArchivedMessage) error {
	if a == nil || a.ID == "" {
		return errors.New("sqlite archive: message id is required")
	}
	buf, err := a.Message.MarshalWire()
	if err != nil {
		return fmt.Errorf("sqlite archive: encode %s: %w", a.ID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archived_messages
		  (message_id, type_id, username, device_id, status, created, archived, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TypeID, a.Username, a.DeviceID, int(a.Status),
		a.Created.UnixNano(), a.Archived.UnixNano(), buf,
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("archived message %s: %w", a.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("sqlite archive: insert %s: %w: %w", a.ID, storage.ErrUnavailable, err)
	}
	return nil
}

// IsMessageArchived implements storage.ArchiveStore.
func (s *Store) IsMessageArchived(ctx context.Context, id string) (bool, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM archived_messages WHERE message_id = ?)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("sqlite archive: check %s: %w: %w", id, storage.ErrUnavailable, err)
	}
	return exists == 1, nil
}

// GetArchivedMessage implements storage.ArchiveStore.
func (s *Store) GetArchivedMessage(ctx context.Context, id string) (*types.ArchivedMessage, error) {
	var (
		archived int64
		buf      []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT archived, message FROM archived_messages WHERE message_id = ?`, id,
	).Scan(&archived, &buf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archived message %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: get %s: %w: %w", id, storage.ErrUnavailable, err)
	}

	m, err := types.UnmarshalMessage(buf)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: decode %s: %w", id, err)
	}
	return &types.ArchivedMessage{Message: *m, Archived: time.Unix(0, archived).UTC()}, nil
}

// ListArchivedMessages returns the archived messages of one device, newest
// first. limit <= 0 returns them all.
func (s *Store) ListArchivedMessages(ctx context.Context, username, deviceID string, limit int) ([]*types.ArchivedMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT archived, message FROM archived_messages
		WHERE username = ? AND device_id = ?
		ORDER BY archived DESC, message_id DESC
		LIMIT ?`,
		username, deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite archive: list %s/%s: %w: %w", username, deviceID, storage.ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*types.ArchivedMessage
	for rows.Next() {
		var (
			archived int64
			buf      []byte
		)
		if err := rows.Scan(&archived, &buf); err != nil {
			return nil, fmt.Errorf("sqlite archive: scan: %w", err)
		}
		m, err := types.UnmarshalMessage(buf)
		if err != nil {
			return nil, fmt.Errorf("sqlite archive: decode: %w", err)
		}
		out = append(out, &types.ArchivedMessage{Message: *m, Archived: time.Unix(0, archived).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite archive: iterate: %w", err)
	}
	return out, nil
}
