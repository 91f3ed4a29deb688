// Package store provides a SQLite-backed mirror of who is currently online,
// read by out-of-band tooling such as an admin panel.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rusherrelay/server"
)

const schema = `CREATE TABLE IF NOT EXISTS online_players (
	character_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	connected_at INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
)`

// Store persists the presence mirror in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens the SQLite file at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// single writer
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Reset removes every record. The relay calls it at startup because the
// in-memory registry does not survive a restart.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM online_players`); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	return nil
}

// UpsertPresence inserts or replaces the record for one character.
func (s *Store) UpsertPresence(ctx context.Context, p server.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := strings.TrimSpace(p.CharacterID)
	if id == "" {
		return fmt.Errorf("character id is required")
	}
	connectedAt := p.ConnectedAt.UTC()
	if connectedAt.IsZero() {
		connectedAt = s.now().UTC()
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO online_players (character_id, display_name, user_id, connected_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(character_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   user_id = excluded.user_id,
		   connected_at = excluded.connected_at,
		   updated_at = excluded.updated_at`,
		id,
		p.DisplayName,
		p.UserID,
		connectedAt.UnixMilli(),
		s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert presence %s: %w", id, err)
	}
	return nil
}

// DeletePresence removes the record for one character. Deleting an absent
// record is not an error.
func (s *Store) DeletePresence(ctx context.Context, characterID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM online_players WHERE character_id = ?`, characterID); err != nil {
		return fmt.Errorf("delete presence %s: %w", characterID, err)
	}
	return nil
}

// List returns every mirrored record ordered by connection time.
func (s *Store) List(ctx context.Context) ([]server.Presence, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT character_id, display_name, user_id, connected_at
		   FROM online_players
		  ORDER BY connected_at, character_id`)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	var out []server.Presence
	for rows.Next() {
		var (
			p         server.Presence
			connected int64
		)
		if err := rows.Scan(&p.CharacterID, &p.DisplayName, &p.UserID, &connected); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		p.ConnectedAt = time.UnixMilli(connected).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return out, nil
}
