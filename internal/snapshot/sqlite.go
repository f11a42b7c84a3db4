// Package snapshot persists the engine's optimistic state across
// restarts. The store keeps at most one snapshot per knowledge base in a
// SQLite database; on startup the most recent snapshot seeds the state
// store.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hyperstack/kbsync/internal/types"
	"github.com/hyperstack/kbsync/migrations"
)

// Store is the SQLite-backed persistent snapshot store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the snapshot database at dbPath, enabling WAL
// mode and applying migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the snapshot for its KB id.
func (s *Store) Save(ctx context.Context, snap types.Snapshot) error {
	if snap.KBID == "" {
		return errors.New("snapshot has no KB id")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (kb_id, version, created_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kb_id) DO UPDATE SET
			version = excluded.version,
			created_at = excluded.created_at,
			payload = excluded.payload
	`, snap.KBID, snap.Version, snap.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), payload)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the most recently saved snapshot. The second return is
// false when none exists or the stored format version is unknown.
func (s *Store) Load(ctx context.Context) (types.Snapshot, bool, error) {
	var version int
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT version, payload FROM snapshots
		ORDER BY created_at DESC LIMIT 1
	`).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Snapshot{}, false, nil
	}
	if err != nil {
		return types.Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	if version != types.SnapshotVersion {
		slog.Warn("discarding snapshot with unknown format version",
			"component", "snapshot",
			"version", version,
		)
		return types.Snapshot{}, false, nil
	}

	var snap types.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return types.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Clear removes all persisted snapshots.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots"); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}
