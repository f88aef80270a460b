// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/bureau-hub/lib/schema"
	"github.com/bureau-foundation/bureau-hub/lib/sqlitepool"
)

// ErrUnknownTable is returned for a table outside the configured set.
var ErrUnknownTable = errors.New("store: unknown table")

var migrations = []string{
	`CREATE TABLE records (
		tbl    TEXT    NOT NULL,
		pk     TEXT    NOT NULL,
		cursor INTEGER NOT NULL,
		body   TEXT    NOT NULL,
		PRIMARY KEY (tbl, pk)
	) WITHOUT ROWID;
	CREATE INDEX records_by_cursor ON records (tbl, cursor, pk);`,
}

// Config holds the parameters for Open.
type Config struct {
	Path     string
	PoolSize int

	// Tables is the fixed table configuration. Defaults to
	// schema.DefaultTables.
	Tables *schema.Tables

	Logger *slog.Logger
}

// Store implements the upsert and changed-since query contract over
// SQLite. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	tables *schema.Tables
	logger *slog.Logger
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	tables := cfg.Tables
	if tables == nil {
		tables = schema.DefaultTables()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       cfg.Path,
		PoolSize:   cfg.PoolSize,
		Migrations: migrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	return &Store{pool: pool, tables: tables, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Tables returns the store's table configuration.
func (s *Store) Tables() *schema.Tables {
	return s.tables
}

const upsertRegular = `INSERT INTO records (tbl, pk, cursor, body) VALUES (?, ?, ?, ?)
	ON CONFLICT (tbl, pk) DO UPDATE SET cursor = excluded.cursor, body = excluded.body
	WHERE excluded.cursor >= records.cursor`

const insertAppendOnly = `INSERT INTO records (tbl, pk, cursor, body) VALUES (?, ?, ?, ?)
	ON CONFLICT (tbl, pk) DO NOTHING`

// UpsertRecords writes records into table in one transaction. Records
// without a primary key are skipped and logged; a record without a
// readable cursor is stored at cursor 0.
func (s *Store) UpsertRecords(ctx context.Context, table string, records []schema.Record) error {
	definition, ok := s.tables.Lookup(table)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if len(records) == 0 {
		return nil
	}

	query := upsertRegular
	if definition.AppendOnly {
		query = insertAppendOnly
	}

	return s.pool.Do(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("upserting %s: begin: %w", table, err)
		}
		defer endTransaction(&err)

		skipped := 0
		for _, record := range records {
			primaryKey, ok := record.ID()
			if !ok {
				skipped++
				continue
			}
			cursor, _ := record.Cursor(definition)
			body, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("upserting %s/%s: encoding: %w", table, primaryKey, err)
			}
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
				Args: []any{table, primaryKey, cursor, string(body)},
			}); err != nil {
				return fmt.Errorf("upserting %s/%s: %w", table, primaryKey, err)
			}
		}
		if skipped > 0 {
			s.logger.Warn("skipped records without primary key",
				"table", table,
				"skipped", skipped,
			)
		}
		return nil
	})
}

// changedSince selects the page after ?2. The boundary is the cursor
// of the limit-th row (?3 is limit-1); the page takes every row up to
// and including that cursor, so rows sharing a cursor never straddle
// two pages. Each row also reports whether anything lies past the
// boundary.
const changedSince = `WITH boundary (cursor) AS (
		SELECT coalesce(
			(SELECT cursor FROM records WHERE tbl = ?1 AND cursor > ?2
				ORDER BY cursor, pk LIMIT 1 OFFSET ?3),
			9223372036854775807)
	)
	SELECT body,
		EXISTS (SELECT 1 FROM records WHERE tbl = ?1 AND cursor > (SELECT cursor FROM boundary))
	FROM records
	WHERE tbl = ?1 AND cursor > ?2 AND cursor <= (SELECT cursor FROM boundary)
	ORDER BY cursor, pk`

// QueryChangedSince returns the records of table whose cursor is
// strictly greater than cursor, and whether more follow. A page holds
// at least limit records when that many exist, and more when the
// limit-th record shares its cursor with the ones after it: a page
// never ends partway through records of equal cursor, since the next
// query starts strictly after the page's highest cursor.
func (s *Store) QueryChangedSince(ctx context.Context, table string, cursor int64, limit int) ([]schema.Record, bool, error) {
	if _, ok := s.tables.Lookup(table); !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if limit <= 0 {
		limit = 500
	}

	var records []schema.Record
	more := false
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, changedSince, &sqlitex.ExecOptions{
			Args: []any{table, cursor, limit - 1},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, err := decodeBody(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				records = append(records, record)
				more = stmt.ColumnBool(1)
				return nil
			},
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("querying %s since %d: %w", table, cursor, err)
	}
	return records, more, nil
}

// fieldName restricts QueryByField to plain identifiers so the JSON
// path cannot be abused.
var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QueryByField returns every record of table whose field equals value,
// ordered by primary key.
func (s *Store) QueryByField(ctx context.Context, table, field string, value any) ([]schema.Record, error) {
	if _, ok := s.tables.Lookup(table); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	if !fieldName.MatchString(field) {
		return nil, fmt.Errorf("store: invalid field name %q", field)
	}

	var records []schema.Record
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT body FROM records WHERE tbl = ? AND json_extract(body, ?) = ? ORDER BY pk`,
			&sqlitex.ExecOptions{
				Args: []any{table, "$." + field, value},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					record, err := decodeBody(stmt.ColumnText(0))
					if err != nil {
						return err
					}
					records = append(records, record)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s by %s: %w", table, field, err)
	}
	return records, nil
}

// Get returns one record by primary key.
func (s *Store) Get(ctx context.Context, table, primaryKey string) (schema.Record, bool, error) {
	if _, ok := s.tables.Lookup(table); !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	var record schema.Record
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT body FROM records WHERE tbl = ? AND pk = ?`,
			&sqlitex.ExecOptions{
				Args: []any{table, primaryKey},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					decoded, err := decodeBody(stmt.ColumnText(0))
					record = decoded
					return err
				},
			})
	})
	if err != nil {
		return nil, false, fmt.Errorf("reading %s/%s: %w", table, primaryKey, err)
	}
	return record, record != nil, nil
}

// Count returns the number of rows stored for table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	var count int
	err := s.pool.Do(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT count(*) FROM records WHERE tbl = ?`, &sqlitex.ExecOptions{
			Args: []any{table},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return count, nil
}

// decodeBody parses a stored JSON body, turning integral numbers back
// into int64 so cursors survive the round trip without float rounding.
func decodeBody(body string) (schema.Record, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(body)))
	decoder.UseNumber()
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding stored record: %w", err)
	}
	return schema.Record(normalize(raw).(map[string]any)), nil
}

func normalize(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		float, _ := typed.Float64()
		return float
	case map[string]any:
		for key, element := range typed {
			typed[key] = normalize(element)
		}
		return typed
	case []any:
		for index, element := range typed {
			typed[index] = normalize(element)
		}
		return typed
	}
	return value
}
