// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite databases runhost keeps on local
// disk, such as the coordinator's usage journal.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Every connection
// gets the same pragmas: WAL journaling so readers never block the
// writer, synchronous=NORMAL (a committed row survives a process crash
// but not a power loss), a five second busy timeout, and an in-memory
// temp store.
//
// Schemas evolve through an ordered list of migration scripts. The
// database's user_version records how many have been applied; [Open]
// applies the rest in one immediate transaction before handing out any
// connection, so a journal written by an older coordinator is upgraded
// in place and a newer one is refused.
//
//	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
//	    Path:       "/var/lib/runhost/usage.db",
//	    Migrations: []string{createUsageTable},
//	})
//	...
//	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, insertRecord, &sqlitex.ExecOptions{Args: args})
//	})
//
// Connections are not safe for concurrent use; [Pool.Read] and
// [Pool.Write] borrow one for the duration of the callback.
package sqlitepool
