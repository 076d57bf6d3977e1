// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var testMigrations = []string{
	`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`,
	`ALTER TABLE items ADD COLUMN size INTEGER NOT NULL DEFAULT 0;`,
}

func openPool(t *testing.T, path string, migrations []string) *Pool {
	t.Helper()
	pool, err := Open(context.Background(), Config{Path: path, Migrations: migrations})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pool
}

func count(t *testing.T, pool *Pool) int {
	t.Helper()
	var n int
	err := pool.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT count(*) FROM items", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestPragmasApplied(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "p.db"), nil)
	defer pool.Close()

	var mode string
	err := pool.Read(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				mode = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestMigrationsApplyIncrementally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")

	pool := openPool(t, path, testMigrations[:1])
	err := pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO items (name) VALUES (?)", &sqlitex.ExecOptions{Args: []any{"first"}})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	pool.Close()

	pool = openPool(t, path, testMigrations)
	err = pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO items (name, size) VALUES (?, ?)", &sqlitex.ExecOptions{Args: []any{"second", 7}})
	})
	if err != nil {
		t.Fatalf("insert after migration: %v", err)
	}
	if n := count(t, pool); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	pool.Close()

	if _, err := Open(context.Background(), Config{Path: path, Migrations: testMigrations[:1]}); !errors.Is(err, ErrSchemaTooNew) {
		t.Errorf("opening with fewer migrations: err = %v, want ErrSchemaTooNew", err)
	}
}

func TestWriteRollsBackOnError(t *testing.T) {
	pool := openPool(t, filepath.Join(t.TempDir(), "r.db"), testMigrations)
	defer pool.Close()

	failure := errors.New("abort")
	err := pool.Write(context.Background(), func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO items (name) VALUES ('doomed')", nil); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Write err = %v", err)
	}
	if n := count(t, pool); n != 0 {
		t.Errorf("rolled-back row is visible: count = %d", n)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatal("Open accepted an empty path")
	}
}
