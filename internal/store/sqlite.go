package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/peerline/peerline/internal/record"
)

// SQLiteStore persists call records in a SQLite database under dataDir.
type SQLiteStore struct {
	db    *sql.DB
	path  string
	mu    sync.RWMutex
	watch *watchers
}

var _ RecordStore = (*SQLiteStore)(nil)

// Open opens or creates the call-record database in dataDir.
func Open(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// WAL for concurrent reader/writer, busy_timeout so a second handle
	// blocks briefly instead of failing.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_records (
			call_id     TEXT PRIMARY KEY,
			caller_id   TEXT NOT NULL,
			caller_name TEXT DEFAULT '',
			receiver_id TEXT NOT NULL,
			call_type   TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create call_records: %w", err)
	}

	// Migration: add caller_name if missing (databases from early builds).
	db.Exec(`ALTER TABLE call_records ADD COLUMN caller_name TEXT DEFAULT ''`)

	return &SQLiteStore{db: db, path: dbPath, watch: newWatchers()}, nil
}

// Write upserts the record. Only status and updated_at change on conflict —
// every other field is immutable after creation.
func (s *SQLiteStore) Write(ctx context.Context, c record.Call) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records
			(call_id, caller_id, caller_name, receiver_id, call_type, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			status     = excluded.status,
			updated_at = CURRENT_TIMESTAMP`,
		c.ID, c.CallerID, c.CallerName, c.ReceiverID, string(c.Type), string(c.Status), c.Timestamp,
	)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store: write call %s: %w", c.ID, err)
	}

	s.watch.notify(c)
	return nil
}

// Read returns the record for callID, or false if absent.
func (s *SQLiteStore) Read(ctx context.Context, callID string) (record.Call, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c record.Call
	err := s.db.QueryRowContext(ctx, `
		SELECT call_id, caller_id, caller_name, receiver_id, call_type, status, created_at
		FROM call_records WHERE call_id = ?`, callID).
		Scan(&c.ID, &c.CallerID, &c.CallerName, &c.ReceiverID, &c.Type, &c.Status, &c.Timestamp)
	if err == sql.ErrNoRows {
		return record.Call{}, false, nil
	}
	if err != nil {
		return record.Call{}, false, fmt.Errorf("store: read call %s: %w", callID, err)
	}
	return c, true, nil
}

// LatestActive returns the newest pending or accepted record involving userID.
func (s *SQLiteStore) LatestActive(ctx context.Context, userID string) (record.Call, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c record.Call
	err := s.db.QueryRowContext(ctx, `
		SELECT call_id, caller_id, caller_name, receiver_id, call_type, status, created_at
		FROM call_records
		WHERE (caller_id = ? OR receiver_id = ?)
		  AND status IN ('pending', 'accepted')
		ORDER BY created_at DESC LIMIT 1`, userID, userID).
		Scan(&c.ID, &c.CallerID, &c.CallerName, &c.ReceiverID, &c.Type, &c.Status, &c.Timestamp)
	if err == sql.ErrNoRows {
		return record.Call{}, false, nil
	}
	if err != nil {
		return record.Call{}, false, fmt.Errorf("store: latest active for %s: %w", userID, err)
	}
	return c, true, nil
}

func (s *SQLiteStore) Subscribe(pred func(record.Call) bool, fn func(record.Call)) func() {
	return s.watch.add(pred, fn)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
