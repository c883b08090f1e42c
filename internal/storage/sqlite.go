package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_store (
    key         TEXT PRIMARY KEY,
    value       BLOB NOT NULL,
    updated_at  DATETIME NOT NULL
);`

// SQLBackend stores entries in a kv_store table through database/sql.
// NewSQLiteBackend is the production constructor.
type SQLBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) a SQLite database at path and ensures the schema.
// The database and its -wal/-shm files are owner-only. Use ":memory:" for a
// throwaway database.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	file, onDisk := sqliteFile(path)
	if onDisk {
		if err := createOwnerOnly(file); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// One connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if onDisk {
		if err := restrictSQLiteFiles(file); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLBackend{db: db}, nil
}

// sqliteFile returns the on-disk file behind a DSN, if there is one.
func sqliteFile(dsn string) (string, bool) {
	if dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return "", false
	}
	name := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	return name, name != "" && name != ":memory:"
}

func createOwnerOnly(file string) error {
	if err := os.MkdirAll(filepath.Dir(file), dirMode); err != nil {
		return fmt.Errorf("creating sqlite dir: %w", err)
	}
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE, fileMode)
	if err != nil {
		return fmt.Errorf("creating sqlite file: %w", err)
	}
	return f.Close()
}

// restrictSQLiteFiles tightens the database and WAL companions, which may
// predate this process.
func restrictSQLiteFiles(file string) error {
	for _, name := range []string{file, file + "-wal", file + "-shm"} {
		if err := os.Chmod(name, fileMode); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("securing %s: %w", filepath.Base(name), err)
		}
	}
	return nil
}

func newSQLBackend(db *sql.DB) *SQLBackend {
	return &SQLBackend{db: db}
}

func (s *SQLBackend) Close() error { return s.db.Close() }

func (s *SQLBackend) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return classify(ctx, "put", err)
}

func (s *SQLBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(ctx, "get", err)
	}
	return value, nil
}

func (s *SQLBackend) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	return classify(ctx, "delete", err)
}

func (s *SQLBackend) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv_store WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
		prefix, prefix,
	)
	if err != nil {
		return nil, classify(ctx, "scan", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(ctx, "scan", rows.Err())
}
