package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hyperengineering/outbox/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// Fixed-width UTC timestamps so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Metadata keys.
const (
	metaSchemaVersion = "schema_version"
	metaLastReplay    = "last_replay:" // + tenant
)

// goose keeps its base FS and dialect in package state.
var migrateMu sync.Mutex

// Store is the local SQLite database holding the mutation queue and the
// cached entities of every tenant. All rows carry a tenant column and every
// query is scoped by it.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	hub    *notifier
}

// NewStore opens or creates the outbox database at path.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db, path: path, hub: newNotifier()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metadata (key, value) VALUES (?, ?)
	`, metaSchemaVersion, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// GetMetadata returns the value stored under key, or ErrNotFound.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata stores value under key, replacing any previous value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata %s: %w", key, err)
	}
	return nil
}

// Stats returns queue and entity statistics for tenant.
func (s *Store) Stats(ctx context.Context, tenant string, maxRetries int) (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &StoreStats{Tenant: tenant, SchemaVersion: schemaVersion}

	var oldest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at) FROM pending_mutations WHERE tenant_id = ?
	`, tenant).Scan(&stats.PendingMutations, &oldest)
	if err != nil {
		return nil, fmt.Errorf("store: stats pending: %w", err)
	}
	if oldest.Valid {
		t := parseTime(oldest.String)
		stats.OldestPending = &t
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_mutations WHERE tenant_id = ? AND retries >= ?
	`, tenant, maxRetries).Scan(&stats.StuckMutations)
	if err != nil {
		return nil, fmt.Errorf("store: stats stuck: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rejected_mutations WHERE tenant_id = ?
	`, tenant).Scan(&stats.RejectedMutations)
	if err != nil {
		return nil, fmt.Errorf("store: stats rejected: %w", err)
	}

	for _, table := range entityTables {
		var pending, conflict int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT
				COALESCE(SUM(CASE WHEN sync_status = 'pending' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN sync_status = 'conflict' THEN 1 ELSE 0 END), 0)
			FROM %s WHERE tenant_id = ?
		`, table), tenant).Scan(&pending, &conflict)
		if err != nil {
			return nil, fmt.Errorf("store: stats %s: %w", table, err)
		}
		stats.PendingEntities += pending
		stats.ConflictEntities += conflict
	}

	var lastReplay string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, metaLastReplay+tenant).Scan(&lastReplay)
	if err == nil {
		stats.LastReplay = parseTime(lastReplay)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: stats last replay: %w", err)
	}

	return stats, nil
}

// Close closes the store and ends every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.hub.closeAll()
	return s.db.Close()
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
