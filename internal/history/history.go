// Package history provides SQLite-backed storage of finished proxy sessions.
//
// One row is recorded per session after teardown: who connected, which
// origin was asked for, how the session ended and how many bytes moved in
// each direction. The management API reads recent rows; nothing on the hot
// path ever waits on the database.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one finished session.
type Record struct {
	SessionID  uint64
	ClientAddr string
	Host       string
	Port       uint16
	Target     string
	Outcome    string // ok, client_error, resolve_error, connect_error, relay_error, idle_timeout, cancelled
	Detail     string // underlying error text, empty on ok
	BytesIn    int64  // client -> origin
	BytesOut   int64  // origin -> client
	StartedAt  time.Time
	Duration   time.Duration
}

// Store wraps the SQLite session log.
type Store struct {
	conn *sql.DB
	mu   sync.Mutex // serializes writers; SQLite allows one at a time
}

// Open opens or creates the history database at the given path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	// WAL keeps API reads from blocking session-finish writes.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn}
	if err := s.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run history migrations: %w", err)
	}
	return s, nil
}

func (s *Store) runMigrations() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Insert stores one finished session.
func (s *Store) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sessions
			(session_id, client_addr, host, port, target, outcome, detail,
			 bytes_in, bytes_out, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.SessionID), rec.ClientAddr, rec.Host, rec.Port, rec.Target,
		rec.Outcome, rec.Detail, rec.BytesIn, rec.BytesOut,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session record: %w", err)
	}
	return nil
}

// Recent returns up to limit finished sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT session_id, client_addr, host, port, target, outcome, detail,
		       bytes_in, bytes_out, started_at, duration_ms
		FROM sessions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			sid        int64
			port       int
			startedAt  string
			durationMS int64
		)
		if err := rows.Scan(&sid, &rec.ClientAddr, &rec.Host, &port, &rec.Target,
			&rec.Outcome, &rec.Detail, &rec.BytesIn, &rec.BytesOut,
			&startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		rec.SessionID = uint64(sid)
		rec.Port = uint16(port)
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			rec.StartedAt = t
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes records older than the cutoff, returning how many were
// removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM sessions WHERE started_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune session records: %w", err)
	}
	return res.RowsAffected()
}
