package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets several router instances read while one writes.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS upstream_heights (
		upstream_id TEXT PRIMARY KEY,
		height INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS block_discovery (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		height INTEGER NOT NULL,
		discovered_at_ms INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Height returns the cached height of an upstream if it was stored after
// notBefore.
func (s *SQLiteStore) Height(ctx context.Context, upstreamID string, notBefore time.Time) (uint64, bool, error) {
	var height, updatedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT height, updated_at_ms FROM upstream_heights WHERE upstream_id = ?`, upstreamID,
	).Scan(&height, &updatedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read height: %w", err)
	}
	if !fresh(time.UnixMilli(updatedMs), notBefore) {
		return 0, false, nil
	}
	return uint64(height), true, nil
}

// SetHeight stores the height of an upstream, replacing the previous one.
func (s *SQLiteStore) SetHeight(ctx context.Context, upstreamID string, height uint64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO upstream_heights (upstream_id, height, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(upstream_id) DO UPDATE SET
			height = excluded.height,
			updated_at_ms = excluded.updated_at_ms
	`, upstreamID, int64(height), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store height: %w", err)
	}
	return nil
}

// Heights lists every cached height ordered by upstream id.
func (s *SQLiteStore) Heights(ctx context.Context) ([]HeightRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upstream_id, height, updated_at_ms FROM upstream_heights ORDER BY upstream_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list heights: %w", err)
	}
	defer rows.Close()

	var records []HeightRecord
	for rows.Next() {
		var (
			rec       HeightRecord
			height    int64
			updatedMs int64
		)
		if err := rows.Scan(&rec.UpstreamID, &height, &updatedMs); err != nil {
			return nil, fmt.Errorf("failed to scan height: %w", err)
		}
		rec.Height = uint64(height)
		rec.UpdatedAt = time.UnixMilli(updatedMs)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// BlockDiscoveryTime returns when the recorded height was first seen, if
// height is not above it.
func (s *SQLiteStore) BlockDiscoveryTime(ctx context.Context, height uint64) (time.Time, bool, error) {
	var recorded, atMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT height, discovered_at_ms FROM block_discovery WHERE id = 1`,
	).Scan(&recorded, &atMs)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read block discovery: %w", err)
	}
	if height > uint64(recorded) {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(atMs), true, nil
}

// SetBlockDiscoveryTime records at for height when height is above the
// recorded one. A zero at clears the record.
func (s *SQLiteStore) SetBlockDiscoveryTime(ctx context.Context, height uint64, at time.Time) error {
	if at.IsZero() {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM block_discovery WHERE id = 1`); err != nil {
			return fmt.Errorf("failed to clear block discovery: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO block_discovery (id, height, discovered_at_ms) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			height = excluded.height,
			discovered_at_ms = excluded.discovered_at_ms
		WHERE excluded.height > block_discovery.height
	`, int64(height), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store block discovery: %w", err)
	}
	return nil
}
