// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "sort"

// Table names.
const (
	TableUsers         = "users"
	TableMail          = "mail"
	TableNotifications = "notifications"
	TableHosts         = "hosts"
	TableUserHosts     = "user_hosts"
	TableAgentLogs     = "agent_logs"
)

// Record field names shared by every table.
const (
	FieldID        = "id"
	FieldUpdatedAt = "updated_at"
	FieldSeq       = "seq"
)

// Table describes how one synced table is keyed and paged.
type Table struct {
	Name string

	// AppendOnly tables never update a row after insert. Their cursor
	// is the seq sequence position; regular tables page by updated_at.
	AppendOnly bool

	// Forwardable tables propagate from one runner to the others.
	// Non-forwardable tables are hub-private: the hub stores them but
	// never fans them out.
	Forwardable bool
}

// CursorField returns the record field that orders this table.
func (t Table) CursorField() string {
	if t.AppendOnly {
		return FieldSeq
	}
	return FieldUpdatedAt
}

// Tables is the fixed table configuration. It is never negotiated with
// runners.
type Tables struct {
	byName map[string]Table
	names  []string
}

// NewTables builds a configuration from the given definitions.
func NewTables(definitions ...Table) *Tables {
	tables := &Tables{byName: make(map[string]Table, len(definitions))}
	for _, definition := range definitions {
		tables.byName[definition.Name] = definition
		tables.names = append(tables.names, definition.Name)
	}
	sort.Strings(tables.names)
	return tables
}

// DefaultTables is the table set every hub and runner of this schema
// version agree on.
func DefaultTables() *Tables {
	return NewTables(
		Table{Name: TableUsers, Forwardable: true},
		Table{Name: TableMail, AppendOnly: true, Forwardable: true},
		Table{Name: TableNotifications, Forwardable: true},
		Table{Name: TableHosts},
		Table{Name: TableUserHosts},
		Table{Name: TableAgentLogs, AppendOnly: true},
	)
}

// Lookup returns the definition for name.
func (t *Tables) Lookup(name string) (Table, bool) {
	table, ok := t.byName[name]
	return table, ok
}

// Names returns every syncable table name, sorted.
func (t *Tables) Names() []string {
	return append([]string(nil), t.names...)
}

// Forwardable returns the forwardable allow-list, sorted.
func (t *Tables) Forwardable() []string {
	var names []string
	for _, name := range t.names {
		if t.byName[name].Forwardable {
			names = append(names, name)
		}
	}
	return names
}

// IsForwardable reports whether records of name propagate to other
// runners.
func (t *Tables) IsForwardable(name string) bool {
	return t.byName[name].Forwardable
}
