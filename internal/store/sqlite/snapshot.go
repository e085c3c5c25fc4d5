package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pairscope/internal/model"
)

// DefaultSnapshotKey is the row key the collector snapshot lives under.
const DefaultSnapshotKey = "collector"

// SnapshotStore keeps the collector snapshot in a single-row-per-key table.
type SnapshotStore struct {
	db  *sql.DB
	key string
}

// Open creates the database file (and its directory) with WAL mode and
// prepares the schema.
func Open(path, key string) (*SnapshotStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	if key == "" {
		key = DefaultSnapshotKey
	}
	return &SnapshotStore{db: db, key: key}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS collector_snapshots (
			key        TEXT    PRIMARY KEY,
			data       TEXT    NOT NULL,
			saved_at   INTEGER NOT NULL
		);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (s *SnapshotStore) DB() *sql.DB { return s.db }

// SaveSnapshot overwrites the row for the store's key.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO collector_snapshots (key, data, saved_at) VALUES (?, ?, ?)`,
		s.key, string(data), savedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot, or nil, nil if none exists.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM collector_snapshots WHERE key = ?`, s.key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// ClearSnapshot deletes the row for the store's key.
func (s *SnapshotStore) ClearSnapshot(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collector_snapshots WHERE key = ?`, s.key); err != nil {
		return fmt.Errorf("sqlite clear snapshot: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
