// Package db provides shared PostgreSQL helpers for bulk copy and keyed
// bulk updates against PostGIS tables.
package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Pool is satisfied by *pgxpool.Pool and pgxmock pools.
type Pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ParseTable splits an optionally schema-qualified table name such as
// "erf.parcels" into a pgx identifier.
func ParseTable(name string) (pgx.Identifier, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, eris.New("db: empty table name")
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return nil, eris.Errorf("db: invalid table name %q", name)
	}
	for _, p := range parts {
		if p == "" {
			return nil, eris.Errorf("db: invalid table name %q", name)
		}
	}
	return pgx.Identifier(parts), nil
}

// SchemaAndName returns the schema (default "public") and bare name of a
// table identifier.
func SchemaAndName(id pgx.Identifier) (string, string) {
	if len(id) == 2 {
		return id[0], id[1]
	}
	return "public", id[len(id)-1]
}

// Quote sanitizes a single column or table name for inclusion in SQL.
func Quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = Quote(c)
	}
	return strings.Join(quoted, ", ")
}
