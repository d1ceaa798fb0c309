// Package warehouse is the typed adapter over the analytics store backing
// all core persistence: the idempotency store, the raw-data audit log, and
// both response caches. Writes are append-only. Two drivers share the
// contract: BigQuery for production and SQLite for dev and tests.
package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// MaxRowBytes caps the encoded size of a single row. Logical payloads
// larger than this are chunked by their owners before they reach a driver.
const MaxRowBytes = 900_000

// Row is one flat record. Values must be scalars (string, bool, integers,
// floats, time.Time); structured data is serialized to JSON strings by the
// caller before it becomes a column.
type Row map[string]interface{}

// String returns the named column as a string, or "" when absent or NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Int returns the named column as an int64, or 0 when absent or NULL.
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Time returns the named column as a time.Time, or the zero time.
func (r Row) Time(col string) time.Time {
	if v, ok := r[col].(time.Time); ok {
		return v
	}
	return time.Time{}
}

// Client is the driver contract. Implementations are safe for concurrent
// use and are process-wide singletons.
type Client interface {
	// AppendRows appends |rows| to |table|, splitting into driver-sized
	// batches. It fails if any single row exceeds MaxRowBytes.
	AppendRows(ctx context.Context, table string, rows []Row) error
	// Query runs parameterized SQL (positional ? placeholders) and returns
	// all result rows, materialized.
	Query(ctx context.Context, stmt string, params ...interface{}) ([]Row, error)
	// Table returns the driver-qualified reference of a logical table,
	// for interpolation into Query statements.
	Table(name string) string
	// EnsureTables creates the logical tables if they don't exist.
	EnsureTables(ctx context.Context) error
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	Close() error
}

func encodedSize(row Row) (int, error) {
	var b, err = json.Marshal(row)
	if err != nil {
		return 0, fmt.Errorf("encoding row: %w", err)
	}
	return len(b), nil
}

// splitBatches partitions rows into batches of at most |maxRows| rows and
// |maxBytes| encoded bytes each, returning the batches and the total
// encoded size. A row above MaxRowBytes fails the whole append.
func splitBatches(table string, rows []Row, maxRows, maxBytes int) ([][]Row, int, error) {
	var batches [][]Row
	var current []Row
	var currentBytes, totalBytes int

	for i, row := range rows {
		var size, err = encodedSize(row)
		if err != nil {
			return nil, 0, fmt.Errorf("row %d of %s: %w", i, table, err)
		} else if size > MaxRowBytes {
			return nil, 0, fmt.Errorf("row %d of %s is %d bytes, above the %d byte row cap",
				i, table, size, MaxRowBytes)
		}

		if len(current) != 0 && (len(current) == maxRows || currentBytes+size > maxBytes) {
			batches = append(batches, current)
			current, currentBytes = nil, 0
		}
		current = append(current, row)
		currentBytes += size
		totalBytes += size
	}
	if len(current) != 0 {
		batches = append(batches, current)
	}
	return batches, totalBytes, nil
}
