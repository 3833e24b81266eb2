package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/parcelscore/internal/model"
	"github.com/sells-group/parcelscore/internal/scoring"
)

// SQLiteStore is the project file. It always holds the run ledger and, for
// the in-process engine, the score table as well. Score tables are kept per
// parcel dataset, so one project can score several datasets.
type SQLiteStore struct {
	db      *sql.DB
	parcels string
}

// ForParcels returns a view of the project whose score table belongs to the
// parcel dataset key. The view shares the project's connection.
func (s *SQLiteStore) ForParcels(key string) *SQLiteStore {
	return &SQLiteStore{db: s.db, parcels: key}
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewSQLite opens (or creates) a project file at path in WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	parcels    TEXT NOT NULL,
	engine     TEXT NOT NULL,
	low        REAL NOT NULL,
	high       REAL NOT NULL,
	mode       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS run_layers (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	layer       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	parcels     INTEGER NOT NULL DEFAULT 0,
	overlaps    INTEGER NOT NULL DEFAULT 0,
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS score_layers (
	parcels       TEXT NOT NULL,
	layer         TEXT NOT NULL,
	score_field   TEXT NOT NULL,
	measure_field TEXT NOT NULL DEFAULT '',
	unit          TEXT NOT NULL DEFAULT '',
	mode          TEXT NOT NULL,
	position      INTEGER NOT NULL,
	PRIMARY KEY (parcels, layer)
);

CREATE TABLE IF NOT EXISTS parcel_scores (
	parcels TEXT NOT NULL,
	mapid   TEXT NOT NULL,
	layer   TEXT NOT NULL,
	score   INTEGER NOT NULL,
	measure REAL,
	PRIMARY KEY (parcels, mapid, layer)
);

CREATE TABLE IF NOT EXISTS parcel_totals (
	parcels TEXT NOT NULL,
	mapid   TEXT NOT NULL,
	total   INTEGER NOT NULL,
	PRIMARY KEY (parcels, mapid)
);

CREATE INDEX IF NOT EXISTS idx_run_layers_run_id ON run_layers(run_id);
CREATE INDEX IF NOT EXISTS idx_parcel_scores_layer ON parcel_scores(parcels, layer);
`

// Migrate creates the project tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close implements ScoreStore.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save checkpoints the WAL into the main project file.
func (s *SQLiteStore) Save(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return eris.Wrap(err, "sqlite: save project")
}

// --- Run ledger ---

// CreateRun implements Project.
func (s *SQLiteStore) CreateRun(ctx context.Context, run model.Run) (*model.Run, error) {
	run.ID = uuid.New().String()
	run.Status = model.RunStatusRunning
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, parcels, engine, low, high, mode, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Parcels, run.Engine, run.Low, run.High, run.Mode, string(run.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &run, nil
}

// StartLayer implements Project.
func (s *SQLiteStore) StartLayer(ctx context.Context, runID, layer string) (*model.RunLayer, error) {
	rl := &model.RunLayer{
		ID:        uuid.New().String(),
		RunID:     runID,
		Layer:     layer,
		Status:    model.LayerStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_layers (id, run_id, layer, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		rl.ID, rl.RunID, rl.Layer, string(rl.Status), rl.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run layer for run %s", runID)
	}
	return rl, nil
}

// FinishLayer implements Project.
func (s *SQLiteStore) FinishLayer(ctx context.Context, layerID string, outcome model.LayerOutcome) error {
	status := model.LayerStatusComplete
	var msg string
	if outcome.Err != nil {
		status = model.LayerStatusFailed
		msg = outcome.Err.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_layers SET status = ?, error = ?, parcels = ?, overlaps = ?, finished_at = ? WHERE id = ?`,
		string(status), msg, outcome.Parcels, outcome.Overlaps, time.Now().UTC(), layerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run layer %s", layerID)
	}
	return checkRowsAffected(res, "run layer", layerID)
}

// FinishRun implements Project.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// ListRuns implements Project. Newest runs come first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parcels, engine, low, high, mode, status, created_at, updated_at
			FROM runs ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(&r.ID, &r.Parcels, &r.Engine, &r.Low, &r.High, &r.Mode, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// ListRunLayers implements Project, in start order.
func (s *SQLiteStore) ListRunLayers(ctx context.Context, runID string) ([]model.RunLayer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, layer, status, error, parcels, overlaps, started_at, finished_at
			FROM run_layers WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list run layers %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.RunLayer
	for rows.Next() {
		var rl model.RunLayer
		var finished sql.NullTime
		if err := rows.Scan(&rl.ID, &rl.RunID, &rl.Layer, &rl.Status, &rl.Error,
			&rl.Parcels, &rl.Overlaps, &rl.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run layer")
		}
		if finished.Valid {
			t := finished.Time
			rl.FinishedAt = &t
		}
		out = append(out, rl)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list run layers iterate")
}

// --- Score table ---

// WriteLayer implements ScoreStore.
func (s *SQLiteStore) WriteLayer(ctx context.Context, ls LayerScores) (int, error) {
	e := ls.Entry
	if err := e.Validate(); err != nil {
		return 0, eris.Wrap(err, "sqlite: write layer")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: write layer: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	reg, err := s.registry(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := reg.CheckFields(e); err != nil {
		return 0, eris.Wrap(err, "sqlite: write layer")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO score_layers (parcels, layer, score_field, measure_field, unit, mode, position)
			VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM score_layers WHERE parcels = ?))
			ON CONFLICT (parcels, layer) DO UPDATE SET
				score_field = excluded.score_field,
				measure_field = excluded.measure_field,
				unit = excluded.unit,
				mode = excluded.mode`,
		s.parcels, e.Layer, e.ScoreField, e.MeasureField, string(e.Unit), string(e.Mode), s.parcels,
	); err != nil {
		return 0, eris.Wrapf(err, "sqlite: register layer %s", e.Layer)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM parcel_scores WHERE parcels = ? AND layer = ?`, s.parcels, e.Layer); err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear scores for %s", e.Layer)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO parcel_scores (parcels, mapid, layer, score, measure) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare score insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, ps := range ls.Scores {
		var measure sql.NullFloat64
		if ps.Measure != nil && e.MeasureField != "" {
			measure = sql.NullFloat64{Float64: *ps.Measure, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, s.parcels, ps.ID, e.Layer, int(ps.Score), measure); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert score %s/%s", e.Layer, ps.ID)
		}
	}

	n, err := s.writeTotals(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: write layer: commit")
	}
	return n, nil
}

// Registry implements ScoreStore.
func (s *SQLiteStore) Registry(ctx context.Context) (*scoring.Registry, error) {
	return s.registry(ctx, s.db)
}

func (s *SQLiteStore) registry(ctx context.Context, q queryer) (*scoring.Registry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT layer, score_field, measure_field, unit, mode FROM score_layers
			WHERE parcels = ? ORDER BY position`, s.parcels)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load registry")
	}
	defer rows.Close() //nolint:errcheck

	reg := scoring.NewRegistry()
	for rows.Next() {
		var e scoring.Entry
		if err := rows.Scan(&e.Layer, &e.ScoreField, &e.MeasureField, &e.Unit, &e.Mode); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan registry")
		}
		reg.Register(e)
	}
	return reg, eris.Wrap(rows.Err(), "sqlite: load registry iterate")
}

// LoadTable implements ScoreStore. Score and measurement values are keyed
// by their registered field names.
func (s *SQLiteStore) LoadTable(ctx context.Context) (*scoring.Table, *scoring.Registry, error) {
	return s.loadTable(ctx, s.db)
}

func (s *SQLiteStore) loadTable(ctx context.Context, q queryer) (*scoring.Table, *scoring.Registry, error) {
	reg, err := s.registry(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT ps.mapid, ps.layer, ps.score, ps.measure
			FROM parcel_scores ps
			JOIN score_layers sl ON sl.parcels = ps.parcels AND sl.layer = ps.layer
			WHERE ps.parcels = ?
			ORDER BY ps.mapid, sl.position`, s.parcels)
	if err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: load scores")
	}
	defer rows.Close() //nolint:errcheck

	table := scoring.NewTable()
	for rows.Next() {
		var id, layer string
		var score int64
		var measure sql.NullFloat64
		if err := rows.Scan(&id, &layer, &score, &measure); err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: scan score")
		}
		e, ok := reg.Lookup(layer)
		if !ok {
			continue
		}
		table.Set(id, e.ScoreField, score)
		if e.MeasureField != "" {
			if measure.Valid {
				table.Set(id, e.MeasureField, measure.Float64)
			} else {
				table.Set(id, e.MeasureField, nil)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, eris.Wrap(err, "sqlite: load scores iterate")
	}

	table.Recompute(reg.ScoreFields())
	return table, reg, nil
}

// writeTotals replaces this dataset's totals with sums of its registered
// scores, inside tx.
func (s *SQLiteStore) writeTotals(ctx context.Context, tx *sql.Tx) (int, error) {
	table, _, err := s.loadTable(ctx, tx)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM parcel_totals WHERE parcels = ?`, s.parcels); err != nil {
		return 0, eris.Wrap(err, "sqlite: clear totals")
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO parcel_totals (parcels, mapid, total) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare total insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range table.Rows() {
		if _, err := stmt.ExecContext(ctx, s.parcels, r.ID, r.Total); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert total %s", r.ID)
		}
	}
	return table.Len(), nil
}

// RecomputeTotals implements ScoreStore.
func (s *SQLiteStore) RecomputeTotals(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: recompute totals: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	n, err := s.writeTotals(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: recompute totals: commit")
	}
	return n, nil
}

// Totals returns the stored Total_Score per parcel.
func (s *SQLiteStore) Totals(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mapid, total FROM parcel_totals WHERE parcels = ?`, s.parcels)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load totals")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var total int
		if err := rows.Scan(&id, &total); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan total")
		}
		out[id] = total
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load totals iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}
