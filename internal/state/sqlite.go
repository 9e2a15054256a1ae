package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// OpenSQLite opens (creating if needed) the database at path and applies
// the embedded migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("sqlite store path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps read-modify-write transactions serialized
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		schema, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

const upsertSQL = `INSERT INTO kv (key, value, revision, updated_at) VALUES (?, ?, 1, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = kv.revision + 1, updated_at = excluded.updated_at`

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertSQL, key, value, now()); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAbsent
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *SQLite) Update(ctx context.Context, key string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update %s: %w", key, err)
	}
	defer tx.Rollback()

	var cur []byte
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	next, err := fn(cur, exists)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, upsertSQL, key, next, now()); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Revision returns how many times key has been written, 0 when absent.
func (s *SQLite) Revision(ctx context.Context, key string) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT revision FROM kv WHERE key = ?`, key).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return rev, err
}

func (s *SQLite) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error { return s.db.Close() }
