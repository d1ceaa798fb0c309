package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leadfold/enrich/metrics"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// sqliteClient backs the worker in dev mode and package tests.
type sqliteClient struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite-backed warehouse at |path|.
// ":memory:" yields a private in-memory store.
func NewSQLite(path string) (Client, error) {
	var dsn = path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}

	var db, err = sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %s: %w", path, err)
	}
	// A single connection keeps :memory: databases stable and serializes
	// writers; this driver is for dev and tests, not production load.
	db.SetMaxOpenConns(1)

	return &sqliteClient{db: db}, nil
}

func (c *sqliteClient) AppendRows(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	var batches, _, err = splitBatches(table, rows, 500, 8<<20)
	if err != nil {
		metrics.WarehouseAppends.WithLabelValues(table, "error").Inc()
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.WarehouseAppends.WithLabelValues(table, "error").Inc()
		return fmt.Errorf("beginning append transaction: %w", err)
	}

	for _, batch := range batches {
		for _, row := range batch {
			if err = insertRow(ctx, tx, table, row); err != nil {
				_ = tx.Rollback()
				metrics.WarehouseAppends.WithLabelValues(table, "error").Inc()
				return fmt.Errorf("appending to %s: %w", table, err)
			}
		}
		metrics.WarehouseBatchRows.WithLabelValues(table).Observe(float64(len(batch)))
	}

	if err = tx.Commit(); err != nil {
		metrics.WarehouseAppends.WithLabelValues(table, "error").Inc()
		return fmt.Errorf("committing append to %s: %w", table, err)
	}
	metrics.WarehouseAppends.WithLabelValues(table, "ok").Inc()
	return nil
}

func insertRow(ctx context.Context, tx *sql.Tx, table string, row Row) error {
	var cols = make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var marks = make([]string, len(cols))
	var args = make([]interface{}, len(cols))
	for i, col := range cols {
		marks[i] = "?"
		args[i] = normalizeValue(row[col])
	}

	var stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(marks, ", "))
	var _, err = tx.ExecContext(ctx, stmt, args...)
	return err
}

func (c *sqliteClient) Query(ctx context.Context, stmt string, params ...interface{}) ([]Row, error) {
	for i, p := range params {
		params[i] = normalizeValue(p)
	}

	var rows, err = c.db.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading result columns: %w", err)
	}

	var out []Row
	for rows.Next() {
		var vals = make([]interface{}, len(cols))
		var ptrs = make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}

		var row = make(Row, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue pins timestamps to UTC so their textual encodings order
// correctly under SQLite string comparison.
func normalizeValue(v interface{}) interface{} {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return v
}

func (c *sqliteClient) Table(name string) string { return name }

func (c *sqliteClient) EnsureTables(ctx context.Context) error {
	for _, name := range TableNames {
		if _, err := c.db.ExecContext(ctx, sqliteDDL[name]); err != nil {
			return fmt.Errorf("creating table %s: %w", name, err)
		}
	}
	for _, ddl := range sqliteIndexDDL {
		if _, err := c.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

func (c *sqliteClient) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *sqliteClient) Close() error { return c.db.Close() }
