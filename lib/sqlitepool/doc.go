// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the hub's SQLite database.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool with the pragmas every
// connection gets (WAL, NORMAL synchronous, a 5s busy timeout, in-memory
// temp store) and with forward-only schema migrations whose progress is
// recorded in PRAGMA user_version. Migration i (zero-based) moves the
// database from version i to i+1; a database already at or beyond the
// last migration is left alone.
//
// Connections are not safe for concurrent use. [Pool.Do] borrows one for
// the duration of a callback:
//
//	err := pool.Do(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "SELECT 1", nil)
//	})
//
// SQL is written directly; there is no query builder.
package sqlitepool
