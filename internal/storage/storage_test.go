package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/org/authcore/internal/core"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	fb, err := NewFileBackend(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	sb, err := NewSQLiteBackend(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	t.Cleanup(func() { sb.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   fb,
		"sqlite": sb,
	}
}

func TestBackendContract(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := b.Get(ctx, "secrets/missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing: expected ErrNotFound, got %v", err)
			}

			puts := map[string]string{
				"secrets/db-password":     "v1",
				"secrets/api-key":         "v2",
				"threat/profiles/nurse-1": `{"actor_id":"nurse-1"}`,
				"threat/profiles/a@b.org": `{"actor_id":"a@b.org"}`,
				"threat/reputation":       `{}`,
			}
			for k, v := range puts {
				if err := b.Put(ctx, k, []byte(v)); err != nil {
					t.Fatalf("Put %s: %v", k, err)
				}
			}
			if err := b.Put(ctx, "secrets/api-key", []byte("v3")); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, err := b.Get(ctx, "secrets/api-key")
			if err != nil || string(got) != "v3" {
				t.Fatalf("Get after overwrite = %q, %v", got, err)
			}

			entries, err := b.Scan(ctx, "threat/profiles/")
			if err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if len(entries) != 2 {
				t.Fatalf("expected 2 profile entries, got %d", len(entries))
			}
			if entries[0].Key != "threat/profiles/a@b.org" || entries[1].Key != "threat/profiles/nurse-1" {
				t.Errorf("unexpected order: %s, %s", entries[0].Key, entries[1].Key)
			}

			all, _ := b.Scan(ctx, "secrets/")
			if len(all) != 2 {
				t.Errorf("expected 2 secrets, got %d", len(all))
			}

			if err := b.Delete(ctx, "secrets/db-password"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := b.Get(ctx, "secrets/db-password"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete: expected ErrNotFound, got %v", err)
			}
			if err := b.Delete(ctx, "secrets/db-password"); err != nil {
				t.Errorf("Delete of missing key should be nil, got %v", err)
			}
		})
	}
}

func TestBackendCancelledContext(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	b := NewMemoryBackend()
	err := b.Put(ctx, "k", []byte("v"))
	if !errors.Is(err, core.ErrTimeout) {
		t.Errorf("expected timeout kind, got %v", err)
	}
}

func TestFileBackendPermissions(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	b, err := NewFileBackend(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Put(context.Background(), "secrets/token-signing-key", []byte("x")); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(root)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("root dir mode = %o, want 700", perm)
	}
	info, err = os.Stat(filepath.Join(root, "secrets"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("sub dir mode = %o, want 700", perm)
	}
	info, err = os.Stat(filepath.Join(root, "secrets", "token-signing-key.rec"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestSQLiteBackendPermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	path := filepath.Join(dir, "core.db")
	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	defer b.Close()
	if err := b.Put(context.Background(), "keys/encryption", []byte("x")); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("db dir mode = %o, want 700", perm)
	}
	for _, name := range []string{path, path + "-wal", path + "-shm"} {
		info, err := os.Stat(name)
		if errors.Is(err, os.ErrNotExist) && name != path {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s mode = %o, want 600", filepath.Base(name), perm)
		}
	}
}

func TestSQLiteBackendTightensExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.db")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	defer b.Close()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("existing db mode = %o, want 600", perm)
	}
}

func TestSQLiteFile(t *testing.T) {
	for dsn, want := range map[string]string{
		":memory:":                    "",
		"file::memory:?cache=shared":  "",
		"file:test.db?mode=memory":    "",
		"data/core.db":                "data/core.db",
		"file:data/core.db?_pragma=x": "data/core.db",
	} {
		got, ok := sqliteFile(dsn)
		if got != want || ok != (want != "") {
			t.Errorf("sqliteFile(%q) = %q, %v", dsn, got, ok)
		}
	}
}

func TestFileBackendRejectsTraversal(t *testing.T) {
	b, _ := NewFileBackend(t.TempDir())
	for _, key := range []string{"", "../etc/passwd", "secrets//x", "a/./b"} {
		if err := b.Put(context.Background(), key, []byte("x")); err == nil {
			t.Errorf("Put(%q): expected error", key)
		}
	}
}

func TestSQLBackendErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	b := newSQLBackend(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT value FROM kv_store").
		WithArgs("secrets/missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := b.Get(ctx, "secrets/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	boom := errors.New("disk I/O error")
	mock.ExpectExec("INSERT INTO kv_store").
		WithArgs("secrets/x", []byte("v"), sqlmock.AnyArg()).
		WillReturnError(boom)
	if err := b.Put(ctx, "secrets/x", []byte("v")); !errors.Is(err, boom) {
		t.Errorf("expected driver error, got %v", err)
	}

	mock.ExpectExec("DELETE FROM kv_store").
		WithArgs("secrets/x").
		WillDelayFor(200 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 1))
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := b.Delete(tctx, "secrets/x"); !errors.Is(err, core.ErrTimeout) {
		t.Errorf("expected timeout kind, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
