package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultRetention is how long closed sessions and their executions are
// kept.
const DefaultRetention = 30 * 24 * time.Hour

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetention sets how long closed sessions are kept. Zero keeps them
// forever.
func WithRetention(d time.Duration) Option { return func(s *SQLiteStore) { s.retention = d } }

// SQLiteStore implements Store using an embedded SQLite database.
// It uses modernc.org/sqlite which is pure Go (no CGO).
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex // serializes writes (SQLite is single-writer)
	closeCh   chan struct{}
	closeOnce sync.Once
	retention time.Duration
}

// NewSQLiteStore opens or creates a SQLite database at
// dataDir/jupyterwire.db and runs schema migrations.
func NewSQLiteStore(dataDir string, opts ...Option) (*SQLiteStore, error) {
	dbPath := filepath.Join(dataDir, "jupyterwire.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:        db,
		closeCh:   make(chan struct{}),
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}

	go s.cleanupLoop()

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			expires_at DATETIME,
			PRIMARY KEY (namespace, key)
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY,
			kernel_name TEXT NOT NULL,
			working_dir TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			closed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			msg_id TEXT NOT NULL,
			code TEXT NOT NULL,
			status TEXT NOT NULL,
			execution_count INTEGER,
			output TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	// Columns added after the first release.
	s.addColumnIfNotExists("executions", "msg_id", "TEXT NOT NULL DEFAULT ''")

	return nil
}

// addColumnIfNotExists attempts to add a column to a table, ignoring the error
// if the column already exists (SQLite returns "duplicate column name").
func (s *SQLiteStore) addColumnIfNotExists(table, column, colType string) {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, colType))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return
	}
}

// cleanupLoop periodically removes expired KV entries and closed sessions
// older than the retention period.
func (s *SQLiteStore) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.cleanup(time.Now().UTC())
		}
	}
}

func (s *SQLiteStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec("DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at < ?", now)
	if s.retention > 0 {
		cutoff := now.Add(-s.retention)
		s.db.Exec("DELETE FROM executions WHERE session_id IN (SELECT id FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?)", cutoff)
		s.db.Exec("DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?", cutoff)
	}
}

// --- KV Store ---

func (s *SQLiteStore) KVSet(_ context.Context, namespace, key string, value []byte, ttl *time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt *time.Time
	if ttl != nil {
		t := time.Now().UTC().Add(*ttl)
		expiresAt = &t
	}

	_, err := s.db.Exec(
		`INSERT INTO kv (namespace, key, value, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		namespace, key, value, expiresAt,
	)
	return err
}

func (s *SQLiteStore) KVGet(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow(
		"SELECT value FROM kv WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)",
		namespace, key, time.Now().UTC(),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return value, err
}

func (s *SQLiteStore) KVDelete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM kv WHERE namespace = ? AND key = ?", namespace, key)
	return err
}

func (s *SQLiteStore) KVList(_ context.Context, namespace, prefix string) ([]KVEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT key, value, expires_at FROM kv WHERE namespace = ? AND key LIKE ? AND (expires_at IS NULL OR expires_at > ?) ORDER BY key",
		namespace, prefix+"%", time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []KVEntry
	for rows.Next() {
		var e KVEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.ExpiresAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Sessions ---

func (s *SQLiteStore) SessionCreate(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, kernel_name, working_dir, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.KernelName, rec.WorkingDir, rec.Status, rec.CreatedAt, now,
	)
	return err
}

func (s *SQLiteStore) SessionUpdateStatus(_ context.Context, id uint32, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), id,
	)
	return err
}

func (s *SQLiteStore) SessionClose(_ context.Context, id uint32, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		"UPDATE sessions SET status = ?, updated_at = ?, closed_at = ? WHERE id = ?",
		status, now, now, id,
	)
	return err
}

const sessionColumns = "id, kernel_name, working_dir, status, created_at, updated_at, closed_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*SessionRecord, error) {
	var rec SessionRecord
	if err := row.Scan(&rec.ID, &rec.KernelName, &rec.WorkingDir, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ClosedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) SessionGet(_ context.Context, id uint32) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanSession(s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) SessionList(_ context.Context) ([]SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + sessionColumns + " FROM sessions ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// --- Executions ---

func (s *SQLiteStore) ExecutionStart(_ context.Context, rec ExecutionRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = "running"
	}
	res, err := s.db.Exec(
		`INSERT INTO executions (session_id, msg_id, code, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.MsgID, rec.Code, rec.Status, rec.StartedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) ExecutionFinish(_ context.Context, id int64, status string, executionCount *int, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"UPDATE executions SET status = ?, execution_count = ?, output = ?, finished_at = ? WHERE id = ?",
		status, executionCount, output, time.Now().UTC(), id,
	)
	return err
}

// ExecutionList returns the most recent executions of a session, oldest
// first. limit <= 0 returns all of them.
func (s *SQLiteStore) ExecutionList(_ context.Context, sessionID uint32, limit int) ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, session_id, msg_id, code, status, execution_count, output, started_at, finished_at
		 FROM (SELECT * FROM executions WHERE session_id = ? ORDER BY id DESC LIMIT ?)
		 ORDER BY id`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var e ExecutionRecord
		if err := rows.Scan(&e.ID, &e.SessionID, &e.MsgID, &e.Code, &e.Status, &e.ExecutionCount, &e.Output, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.closeCh) })
	return s.db.Close()
}
