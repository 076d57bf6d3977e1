// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrSchemaTooNew is returned by Open when the database was written by
// a newer schema than the caller knows.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

// Config describes a database.
type Config struct {
	// Path of the database file; created if missing. The parent
	// directory must exist.
	Path string

	// PoolSize defaults to 4. SQLite serializes writers regardless.
	PoolSize int

	// Migrations are applied in order. Migration i moves the schema
	// from user_version i to i+1. Never edit a released migration;
	// append a new one.
	Migrations []string

	Logger *slog.Logger
}

// Pool hands out connections to one database.
type Pool struct {
	inner  *sqlitex.Pool
	path   string
	logger *slog.Logger
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA temp_store=MEMORY",
}

// Open opens the database and brings its schema up to date.
func Open(ctx context.Context, config Config) (*Pool, error) {
	if config.Path == "" {
		return nil, errors.New("sqlitepool: path is required")
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 4
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	inner, err := sqlitex.NewPool(config.Path, sqlitex.PoolOptions{
		PoolSize: config.PoolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlitepool: opening %s: %w", config.Path, err)
	}
	pool := &Pool{inner: inner, path: config.Path, logger: config.Logger}

	if err := pool.migrate(ctx, config.Migrations); err != nil {
		inner.Close()
		return nil, fmt.Errorf("sqlitepool: %s: %w", config.Path, err)
	}
	return pool, nil
}

func (p *Pool) migrate(ctx context.Context, migrations []string) error {
	return p.Write(ctx, func(conn *sqlite.Conn) error {
		version, err := userVersion(conn)
		if err != nil {
			return err
		}
		if version > len(migrations) {
			return fmt.Errorf("schema version %d, know %d: %w", version, len(migrations), ErrSchemaTooNew)
		}
		for index := version; index < len(migrations); index++ {
			if err := sqlitex.ExecuteScript(conn, migrations[index], nil); err != nil {
				return fmt.Errorf("migration %d: %w", index+1, err)
			}
		}
		if version == len(migrations) {
			return nil
		}
		if err := sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA user_version=%d", len(migrations)), nil); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		p.logger.Info("database schema migrated", "path", p.path, "from", version, "to", len(migrations))
		return nil
	})
}

func userVersion(conn *sqlite.Conn) (int, error) {
	var version int
	err := sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// Read borrows a connection for fn.
func (p *Pool) Read(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)
	return fn(conn)
}

// Write borrows a connection and runs fn in an immediate transaction,
// committed when fn returns nil and rolled back otherwise.
func (p *Pool) Write(ctx context.Context, fn func(*sqlite.Conn) error) (err error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlitepool: take: %w", err)
	}
	defer p.inner.Put(conn)

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("sqlitepool: begin: %w", err)
	}
	defer end(&err)
	return fn(conn)
}

// Close waits for borrowed connections and closes the database.
func (p *Pool) Close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("sqlitepool: closing %s: %w", p.path, err)
	}
	return nil
}
