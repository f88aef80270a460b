// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"math"
	"strconv"
)

// Record is one synced row. Field values are whatever CBOR or JSON
// decoding produced; use the accessors rather than type-asserting.
type Record map[string]any

// ID returns the primary key rendered as a string. Integer keys are
// rendered in decimal so 7, int64(7), uint64(7), and 7.0 all agree.
func (r Record) ID() (string, bool) {
	value, present := r[FieldID]
	if !present || value == nil {
		return "", false
	}
	if text, ok := value.(string); ok {
		return text, text != ""
	}
	if number, ok := Int64(value); ok {
		return strconv.FormatInt(number, 10), true
	}
	return fmt.Sprint(value), true
}

// Int64Field returns field as an int64 if it holds an integral number.
func (r Record) Int64Field(field string) (int64, bool) {
	return Int64(r[field])
}

// StringField returns field if it holds a string.
func (r Record) StringField(field string) string {
	text, _ := r[field].(string)
	return text
}

// Cursor returns the record's position in table's cursor order.
func (r Record) Cursor(table Table) (int64, bool) {
	return r.Int64Field(table.CursorField())
}

// Int64 normalizes the numeric types produced by CBOR (int64, uint64)
// and JSON (float64) decoding.
func Int64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	case uint32:
		return int64(number), true
	case uint64:
		if number > math.MaxInt64 {
			return 0, false
		}
		return int64(number), true
	case float64:
		if number != math.Trunc(number) || number > math.MaxInt64 || number < math.MinInt64 {
			return 0, false
		}
		return int64(number), true
	case string:
		parsed, err := strconv.ParseInt(number, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}

// MaxCursor returns the largest cursor among records, or existing if
// that is larger. Records without a readable cursor are skipped.
func MaxCursor(table Table, existing int64, records []Record) int64 {
	result := existing
	for _, record := range records {
		if cursor, ok := record.Cursor(table); ok && cursor > result {
			result = cursor
		}
	}
	return result
}
