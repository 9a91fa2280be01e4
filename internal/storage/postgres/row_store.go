// Package postgres appends extracted rows to caller-named Postgres tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/web-extractor/internal/extract"
)

// Config controls the connection pool and the table allow-list.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// AllowedTables lists the tables rows may be written to. Empty rejects
	// every table.
	AllowedTables []string
}

type pgxPool interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Ping(context.Context) error
	Close()
}

// RowStore implements extract.RowStore. Table and column names are checked
// against the identifier pattern and the allow-list, folded to lower case the
// way Postgres folds unquoted names, and quoted by pgx. Rows are streamed with
// COPY, so batch size is not bounded by the bind-parameter limit.
type RowStore struct {
	pool    pgxPool
	allowed map[string]struct{}
}

// NewRowStore connects a pool using cfg.
func NewRowStore(ctx context.Context, cfg Config) (*RowStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewRowStoreWithPool(pool, cfg.AllowedTables)
}

// NewRowStoreWithPool wraps an existing pool.
func NewRowStoreWithPool(pool pgxPool, allowedTables []string) (*RowStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	allowed := make(map[string]struct{}, len(allowedTables))
	for _, table := range allowedTables {
		if !extract.ValidIdentifier(table) {
			return nil, fmt.Errorf("invalid allowed table %q", table)
		}
		allowed[table] = struct{}{}
	}
	return &RowStore{pool: pool, allowed: allowed}, nil
}

// Close releases the pool.
func (s *RowStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *RowStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Allowed reports whether rows may be written to table.
func (s *RowStore) Allowed(table string) bool {
	if !extract.ValidIdentifier(table) {
		return false
	}
	_, ok := s.allowed[table]
	return ok
}

// AppendRows copies rows into table. Every row is written with the union of
// all column names; missing values are NULL.
func (s *RowStore) AppendRows(ctx context.Context, table string, rows []extract.Row) error {
	if !s.Allowed(table) {
		return &extract.ValidationError{Field: "persist.table", Msg: fmt.Sprintf("table %q is not allowed", table)}
	}
	if len(rows) == 0 {
		return nil
	}
	normalized, columns, err := normalizeRows(rows)
	if err != nil {
		return err
	}
	values := make([][]any, len(normalized))
	for i, row := range normalized {
		record := make([]any, len(columns))
		for j, column := range columns {
			record[j] = row[column]
		}
		values[i] = record
	}
	name := pgx.Identifier{strings.ToLower(table)}
	copied, err := s.pool.CopyFrom(ctx, name, columns, pgx.CopyFromRows(values))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", table, err)
	}
	if copied != int64(len(values)) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", table, copied, len(values))
	}
	return nil
}

// normalizeRows lower-cases column names and returns the sorted union of
// columns. Two keys of one row that fold to the same name are rejected.
func normalizeRows(rows []extract.Row) ([]extract.Row, []string, error) {
	seen := map[string]struct{}{}
	out := make([]extract.Row, len(rows))
	for i, row := range rows {
		folded := make(extract.Row, len(row))
		for column, value := range row {
			if !extract.ValidIdentifier(column) {
				return nil, nil, &extract.ValidationError{
					Field: "persist.columns",
					Msg:   fmt.Sprintf("invalid column %q", column),
				}
			}
			lower := strings.ToLower(column)
			if _, dup := folded[lower]; dup {
				return nil, nil, &extract.ValidationError{
					Field: "persist.columns",
					Msg:   fmt.Sprintf("column %q is mapped more than once", lower),
				}
			}
			folded[lower] = value
			seen[lower] = struct{}{}
		}
		out[i] = folded
	}
	columns := make([]string, 0, len(seen))
	for column := range seen {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return out, columns, nil
}
