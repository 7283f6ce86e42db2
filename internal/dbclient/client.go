// Package dbclient runs queries for db.* steps over database/sql, with the
// pgx driver for PostgreSQL and the libSQL driver for SQLite-compatible files.
package dbclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepflow/pkg/schema"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverLibSQL   = "libsql"
)

const defaultConnectTimeout = 10 * time.Second

// Config describes one named connection.
type Config struct {
	Driver          string        `json:"driver"` // postgres | libsql
	DSN             string        `json:"dsn"`
	MaxOpenConns    int           `json:"maxOpenConns,omitempty"`
	MaxIdleConns    int           `json:"maxIdleConns,omitempty"`
	ConnMaxLifetime time.Duration `json:"-"`
	ConnectTimeout  time.Duration `json:"-"`
}

// Result is the outcome of one Execute call.
type Result struct {
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"rowCount"`
	Columns   []string         `json:"columns"`
	Duration  int64            `json:"duration"` // ms
	Timestamp time.Time        `json:"timestamp"`
}

// Record returns the result in the shape other steps read from data.
func (r *Result) Record() map[string]any {
	return map[string]any{
		"rows":      r.Rows,
		"rowCount":  r.RowCount,
		"columns":   r.Columns,
		"duration":  r.Duration,
		"timestamp": r.Timestamp.Format(time.RFC3339Nano),
	}
}

// Client is an open connection pool.
type Client struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// sqlDriverName maps a configured driver to its database/sql name.
func sqlDriverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql", "pgx":
		return "pgx", nil
	case DriverLibSQL, "sqlite", "sqlite3":
		return "libsql", nil
	}
	return "", schema.NewErrorf(schema.ErrCodeConfig, "unsupported database driver %q (available: [libsql, postgres])", driver)
}

// Open opens and pings a connection pool.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	name, err := sqlDriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "database connection requires a dsn")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(name, cfg.DSN)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "open %s database: %s", cfg.Driver, err.Error()).WithCause(err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "connect %s database: %s", cfg.Driver, err.Error()).WithCause(err)
	}

	c := New(db, name)
	c.logger = logger.With("system", "dbclient", "driver", name)
	c.logger.Debug("database connection established")
	return c, nil
}

// New wraps an already open pool.
func New(db *sql.DB, driver string) *Client {
	return &Client{db: db, driver: driver, logger: slog.Default()}
}

// Driver returns the database/sql driver name.
func (c *Client) Driver() string { return c.driver }

// Execute runs query with params under timeoutMs (<= 0 selects the default).
// Statements that return rows populate Rows and Columns; others report the
// number of affected rows in RowCount.
func (c *Client) Execute(ctx context.Context, query string, params []any, timeoutMs int) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, schema.NewError(schema.ErrCodeConfig, "query is empty")
	}
	if timeoutMs <= 0 {
		timeoutMs = schema.DefaultTimeoutMs
	}
	qctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := &Result{Rows: []map[string]any{}, Columns: []string{}}
	var err error
	if returnsRows(query) {
		res.Rows, res.Columns, err = c.query(qctx, query, params)
		res.RowCount = len(res.Rows)
	} else {
		var r sql.Result
		if r, err = c.db.ExecContext(qctx, query, params...); err == nil {
			n, _ := r.RowsAffected()
			res.RowCount = int(n)
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "query timed out after %dms", timeoutMs).
				WithDetails(map[string]any{"query": query}).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeOperation, "query failed: %s", err.Error()).
			WithDetails(map[string]any{"query": query}).WithCause(err)
	}
	res.Duration = time.Since(start).Milliseconds()
	res.Timestamp = time.Now().UTC()

	c.logger.DebugContext(ctx, "query executed",
		slog.Int("row_count", res.RowCount),
		slog.Int64("duration_ms", res.Duration),
	)
	return res, nil
}

// QueryRows runs query and returns its rows.
func (c *Client) QueryRows(ctx context.Context, query string, params []any) ([]map[string]any, error) {
	rows, _, err := c.query(ctx, query, params)
	return rows, err
}

// Close closes the pool.
func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) query(ctx context.Context, query string, params []any) ([]map[string]any, []string, error) {
	rows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(vals[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return out, cols, nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	}
	return v
}

var rowKeywords = []string{"SELECT", "WITH", "PRAGMA", "SHOW", "VALUES", "EXPLAIN", "TABLE"}

// returnsRows reports whether query produces a result set.
func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range rowKeywords {
		if strings.HasPrefix(q, kw) {
			return true
		}
	}
	return strings.Contains(q, " RETURNING ")
}
