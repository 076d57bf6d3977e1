// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/runhost/runhost/lib/sqlitepool"
)

var journalMigrations = []string{
	`CREATE TABLE usage_records (
		id          INTEGER PRIMARY KEY,
		job_id      TEXT    NOT NULL,
		owner       TEXT    NOT NULL,
		exit_code   INTEGER NOT NULL,
		finished_ns INTEGER NOT NULL,
		received_ns INTEGER NOT NULL,
		record      BLOB    NOT NULL
	);
	CREATE INDEX usage_records_owner ON usage_records (owner, finished_ns);
	CREATE INDEX usage_records_job ON usage_records (job_id);`,
}

// SQLiteSink journals records in a local SQLite database. The raw
// CBOR is stored alongside the columns queries filter on.
type SQLiteSink struct {
	pool   *sqlitepool.Pool
	now    func() time.Time
	logger *slog.Logger
}

// OpenSQLiteSink opens or creates the journal at path.
func OpenSQLiteSink(ctx context.Context, path string, logger *slog.Logger) (*SQLiteSink, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       path,
		Migrations: journalMigrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening usage journal: %w", err)
	}
	return &SQLiteSink{pool: pool, now: time.Now, logger: logger}, nil
}

func (s *SQLiteSink) Accept(ctx context.Context, encoded []byte) error {
	record, err := Decode(encoded)
	if err != nil {
		return err
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO usage_records (job_id, owner, exit_code, finished_ns, received_ns, record)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				record.JobID,
				record.Owner,
				record.ExitCode,
				record.Finished.UnixNano(),
				s.now().UnixNano(),
				encoded,
			}})
	})
	if err != nil {
		return fmt.Errorf("journaling usage for %s: %w", record.JobID, err)
	}
	s.logger.Info("usage recorded",
		"job_id", record.JobID,
		"owner", record.Owner,
		"exit_code", record.ExitCode,
		"user_cpu", record.UserCPU,
		"max_rss", record.MaxRSS,
	)
	return nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Owner string
	JobID string
	Since time.Time
	// Limit caps the result; zero means 100.
	Limit int
}

// List returns matching records, most recently finished first.
func (s *SQLiteSink) List(ctx context.Context, filter Filter) ([]Record, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	var since int64
	if !filter.Since.IsZero() {
		since = filter.Since.UnixNano()
	}

	var records []Record
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT record FROM usage_records
			 WHERE (?1 = '' OR owner = ?1)
			   AND (?2 = '' OR job_id = ?2)
			   AND finished_ns >= ?3
			 ORDER BY finished_ns DESC, id DESC
			 LIMIT ?4`,
			&sqlitex.ExecOptions{
				Args: []any{filter.Owner, filter.JobID, since, filter.Limit},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					raw := make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, raw)
					record, err := Decode(raw)
					if err != nil {
						return err
					}
					records = append(records, record)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("listing usage records: %w", err)
	}
	return records, nil
}

// Close closes the journal.
func (s *SQLiteSink) Close() error {
	return s.pool.Close()
}
