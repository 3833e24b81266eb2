package store

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/db"
	"github.com/sells-group/parcelscore/internal/model"
	"github.com/sells-group/parcelscore/internal/scoring"
)

// PostgresConfig locates the parcel table that receives score columns.
type PostgresConfig struct {
	Parcels pgx.Identifier
	IDField string
	// AdoptExisting adds pre-existing numeric columns whose name contains
	// "SCORE" to the total, alongside the registered layers.
	AdoptExisting bool
}

// PostgresStore writes score and measurement columns directly onto the
// parcel table and keeps the layer registry in parcelscore.score_layers.
type PostgresStore struct {
	pool db.Pool
	cfg  PostgresConfig
	key  string
	log  *zap.Logger
}

// NewPostgres creates a PostgresStore. The pool is owned by the caller and
// Migrate must have been run against it.
func NewPostgres(pool db.Pool, cfg PostgresConfig) (*PostgresStore, error) {
	if len(cfg.Parcels) == 0 {
		return nil, eris.New("postgres: parcels table required")
	}
	if cfg.IDField == "" {
		return nil, eris.New("postgres: identifier field required")
	}
	key := strings.Join(cfg.Parcels, ".")
	return &PostgresStore{
		pool: pool,
		cfg:  cfg,
		key:  key,
		log: zap.L().With(
			zap.String("component", "store.postgres"),
			zap.String("parcels", key),
		),
	}, nil
}

// Close implements ScoreStore.
func (s *PostgresStore) Close() error { return nil }

// WriteLayer implements ScoreStore.
func (s *PostgresStore) WriteLayer(ctx context.Context, ls LayerScores) (int, error) {
	e := ls.Entry
	if err := e.Validate(); err != nil {
		return 0, eris.Wrap(err, "postgres: write layer")
	}

	adds := []string{fmt.Sprintf("ADD COLUMN IF NOT EXISTS %s integer", db.Quote(e.ScoreField))}
	cols := []db.Column{{Name: e.ScoreField, Type: "integer"}}
	if e.MeasureField != "" {
		adds = append(adds, fmt.Sprintf("ADD COLUMN IF NOT EXISTS %s double precision", db.Quote(e.MeasureField)))
		cols = append(cols, db.Column{Name: e.MeasureField, Type: "double precision"})
	}

	rows := make([][]any, 0, len(ls.Scores))
	for _, ps := range ls.Scores {
		row := []any{ps.ID, int32(ps.Score)}
		if e.MeasureField != "" {
			if ps.Measure != nil {
				row = append(row, *ps.Measure)
			} else {
				row = append(row, nil)
			}
		}
		rows = append(rows, row)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: write layer: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	reg, err := s.registry(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := reg.CheckFields(e); err != nil {
		return 0, eris.Wrap(err, "postgres: write layer")
	}

	alterSQL := fmt.Sprintf("ALTER TABLE %s %s", s.cfg.Parcels.Sanitize(), strings.Join(adds, ", "))
	if _, err := tx.Exec(ctx, alterSQL); err != nil {
		return 0, eris.Wrapf(err, "postgres: add fields for %s", e.Layer)
	}

	n, err := db.BulkUpdate(ctx, tx, db.UpdateConfig{
		Table:   s.cfg.Parcels,
		Key:     s.cfg.IDField,
		Columns: cols,
	}, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: write scores for %s", e.Layer)
	}
	if int(n) != len(rows) {
		s.log.Warn("score rows did not all match a parcel",
			zap.String("layer", e.Layer),
			zap.Int("rows", len(rows)),
			zap.Int64("updated", n),
		)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO parcelscore.score_layers (parcels, layer, score_field, measure_field, unit, mode)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (parcels, layer) DO UPDATE SET
				score_field = EXCLUDED.score_field,
				measure_field = EXCLUDED.measure_field,
				unit = EXCLUDED.unit,
				mode = EXCLUDED.mode,
				updated_at = now()`,
		s.key, e.Layer, e.ScoreField, e.MeasureField, string(e.Unit), string(e.Mode),
	); err != nil {
		return 0, eris.Wrapf(err, "postgres: register layer %s", e.Layer)
	}
	reg.Register(e)

	total, err := s.writeTotals(ctx, tx, reg)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: write layer: commit")
	}
	return total, nil
}

// Registry implements ScoreStore.
func (s *PostgresStore) Registry(ctx context.Context) (*scoring.Registry, error) {
	return s.registry(ctx, s.pool)
}

func (s *PostgresStore) registry(ctx context.Context, q db.Querier) (*scoring.Registry, error) {
	rows, err := q.Query(ctx,
		`SELECT layer, score_field, measure_field, unit, mode
			FROM parcelscore.score_layers WHERE parcels = $1 ORDER BY position`,
		s.key,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load registry")
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (scoring.Entry, error) {
		var e scoring.Entry
		var unit, mode string
		err := row.Scan(&e.Layer, &e.ScoreField, &e.MeasureField, &unit, &mode)
		e.Unit = model.Unit(unit)
		e.Mode = scoring.Mode(mode)
		return e, err
	})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan registry")
	}
	return scoring.NewRegistry(entries...), nil
}

// adoptedFields lists numeric parcel columns that look like score fields and
// are not already registered.
func (s *PostgresStore) adoptedFields(ctx context.Context, q db.Querier, registered []string) ([]string, error) {
	schema, name := db.SchemaAndName(s.cfg.Parcels)
	rows, err := q.Query(ctx,
		`SELECT column_name FROM information_schema.columns
			WHERE table_schema = $1 AND table_name = $2
			AND data_type IN ('smallint', 'integer', 'bigint', 'real', 'double precision', 'numeric')
			ORDER BY ordinal_position`,
		schema, name,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list score columns")
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan score columns")
	}

	var out []string
	for _, c := range scoring.MatchScoreFields(cols) {
		if !slices.Contains(registered, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

// totalFields returns the fields Total_Score is summed over.
func (s *PostgresStore) totalFields(ctx context.Context, q db.Querier, reg *scoring.Registry) ([]string, error) {
	fields := reg.ScoreFields()
	if !s.cfg.AdoptExisting {
		return fields, nil
	}
	extra, err := s.adoptedFields(ctx, q, fields)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		s.log.Info("adopting existing score fields", zap.Strings("fields", extra))
	}
	return append(fields, extra...), nil
}

// loadValues reads the identifier plus fields (as double precision) for
// every parcel into a table.
func (s *PostgresStore) loadValues(ctx context.Context, q db.Querier, fields []string) (*scoring.Table, error) {
	sel := make([]string, 0, len(fields)+1)
	sel = append(sel, db.Quote(s.cfg.IDField)+"::text")
	for _, f := range fields {
		sel = append(sel, db.Quote(f)+"::double precision")
	}
	sql := fmt.Sprintf("SELECT %s FROM %s ORDER BY 1", strings.Join(sel, ", "), s.cfg.Parcels.Sanitize())

	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load scores")
	}
	defer rows.Close()

	table := scoring.NewTable()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan scores")
		}
		id, _ := vals[0].(string)
		table.Add(id)
		for i, f := range fields {
			table.Set(id, f, vals[i+1])
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate scores")
	}
	return table, nil
}

// writeTotals sums the registered fields in Go and writes Total_Score back
// inside tx, so rerunning it leaves Total_Score unchanged.
func (s *PostgresStore) writeTotals(ctx context.Context, tx db.Querier, reg *scoring.Registry) (int, error) {
	fields, err := s.totalFields(ctx, tx, reg)
	if err != nil {
		return 0, err
	}
	table, err := s.loadValues(ctx, tx, fields)
	if err != nil {
		return 0, err
	}
	table.Recompute(fields)

	rows := make([][]any, 0, table.Len())
	for _, r := range table.Rows() {
		rows = append(rows, []any{r.ID, int32(r.Total)})
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s integer",
		s.cfg.Parcels.Sanitize(), db.Quote(scoring.TotalField))); err != nil {
		return 0, eris.Wrap(err, "postgres: add total field")
	}

	n, err := db.BulkUpdate(ctx, tx, db.UpdateConfig{
		Table:   s.cfg.Parcels,
		Key:     s.cfg.IDField,
		Columns: []db.Column{{Name: scoring.TotalField, Type: "integer"}},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: write totals")
	}

	s.log.Debug("totals recomputed", zap.Strings("fields", fields), zap.Int64("parcels", n))
	return int(n), nil
}

// RecomputeTotals implements ScoreStore.
func (s *PostgresStore) RecomputeTotals(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: recompute totals: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	reg, err := s.registry(ctx, tx)
	if err != nil {
		return 0, err
	}
	n, err := s.writeTotals(ctx, tx, reg)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: recompute totals: commit")
	}
	return n, nil
}

// LoadTable implements ScoreStore.
func (s *PostgresStore) LoadTable(ctx context.Context) (*scoring.Table, *scoring.Registry, error) {
	reg, err := s.Registry(ctx)
	if err != nil {
		return nil, nil, err
	}
	totals, err := s.totalFields(ctx, s.pool, reg)
	if err != nil {
		return nil, nil, err
	}

	fields := slices.Clone(totals)
	for _, e := range reg.Entries() {
		if e.MeasureField != "" && !slices.Contains(fields, e.MeasureField) {
			fields = append(fields, e.MeasureField)
		}
	}

	table, err := s.loadValues(ctx, s.pool, fields)
	if err != nil {
		return nil, nil, err
	}
	table.Recompute(totals)
	return table, reg, nil
}
