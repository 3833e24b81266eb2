package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Column is a typed value column for a bulk update.
type Column struct {
	Name string
	Type string // SQL type, e.g. "smallint", "double precision"
}

// UpdateConfig defines a keyed bulk update.
type UpdateConfig struct {
	Table   pgx.Identifier // target table
	Key     string         // key column in the target, compared as text
	Columns []Column       // columns overwritten from each row, in row order after the key
}

const updateKeyColumn = "_key"

// BulkUpdate overwrites columns of existing rows matched by key.
// Each row is {key, value1, value2, ...}. It must run inside a transaction:
//  1. Creates a temp table (ON COMMIT DROP) with the key and value columns
//  2. COPY rows into the temp table
//  3. UPDATE target SET ... FROM temp WHERE target.key::text = temp.key
//  4. Drops the temp table, so one transaction may update the same table again
func BulkUpdate(ctx context.Context, tx Querier, cfg UpdateConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Table) == 0 {
		return 0, eris.New("db: update: no table specified")
	}
	if cfg.Key == "" {
		return 0, eris.New("db: update: no key column specified")
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: update: no columns specified")
	}

	tempTable := "_tmp_update_" + strings.Join(cfg.Table, "_")

	defs := []string{Quote(updateKeyColumn) + " text"}
	names := []string{updateKeyColumn}
	sets := make([]string, 0, len(cfg.Columns))
	for _, c := range cfg.Columns {
		defs = append(defs, fmt.Sprintf("%s %s", Quote(c.Name), c.Type))
		names = append(names, c.Name)
		sets = append(sets, fmt.Sprintf("%s = s.%s", Quote(c.Name), Quote(c.Name)))
	}

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (%s) ON COMMIT DROP",
		Quote(tempTable), strings.Join(defs, ", "),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: update: create temp table for %s", cfg.Table.Sanitize())
	}

	if _, err := CopyFrom(ctx, tx, pgx.Identifier{tempTable}, names, rows, 0); err != nil {
		return 0, eris.Wrapf(err, "db: update: COPY into temp table for %s", cfg.Table.Sanitize())
	}

	updateSQL := fmt.Sprintf(
		"UPDATE %s AS t SET %s FROM %s AS s WHERE t.%s::text = s.%s",
		cfg.Table.Sanitize(),
		strings.Join(sets, ", "),
		Quote(tempTable),
		Quote(cfg.Key),
		Quote(updateKeyColumn),
	)
	tag, err := tx.Exec(ctx, updateSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: update: UPDATE FROM for %s", cfg.Table.Sanitize())
	}

	if _, err := tx.Exec(ctx, "DROP TABLE "+Quote(tempTable)); err != nil {
		return 0, eris.Wrapf(err, "db: update: drop temp table for %s", cfg.Table.Sanitize())
	}

	return tag.RowsAffected(), nil
}

// ColumnNames returns the names of cols, in order.
func ColumnNames(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// SelectList quotes and joins column names for a SELECT clause.
func SelectList(cols []string) string {
	return quoteAndJoin(cols)
}
