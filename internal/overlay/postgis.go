package overlay

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/db"
	"github.com/sells-group/parcelscore/internal/model"
)

const (
	intersectTable = "_overlay_intersect"
	dissolveTable  = "_overlay_dissolve"
)

// PostGISConfig locates the parcel table and the working CRS.
type PostGISConfig struct {
	Parcels   pgx.Identifier
	IDField   string
	GeomField string
	SRID      int
	Unit      LinearUnit
}

// PostGIS runs overlays inside a PostGIS database. Reference layers are
// tables in the same database.
type PostGIS struct {
	pool db.Pool
	cfg  PostGISConfig
	log  *zap.Logger
}

// NewPostGIS creates a PostGIS engine. The pool is owned by the caller.
func NewPostGIS(pool db.Pool, cfg PostGISConfig) (*PostGIS, error) {
	if len(cfg.Parcels) == 0 {
		return nil, eris.New("overlay: parcels table required")
	}
	if cfg.IDField == "" {
		return nil, eris.New("overlay: identifier field required")
	}
	if cfg.GeomField == "" {
		cfg.GeomField = "geom"
	}
	if cfg.SRID <= 0 {
		cfg.SRID = DefaultSRID
	}
	if cfg.Unit == "" {
		cfg.Unit = USSurveyFoot
	}
	return &PostGIS{
		pool: pool,
		cfg:  cfg,
		log: zap.L().With(
			zap.String("component", "overlay.postgis"),
			zap.String("parcels", cfg.Parcels.Sanitize()),
		),
	}, nil
}

// Name implements Engine.
func (e *PostGIS) Name() string { return "postgis" }

// Close implements Engine.
func (e *PostGIS) Close() error { return nil }

// CheckParcels implements Engine. It verifies the identifier column exists,
// is never null and never repeats, and that the geometry column carries a
// spatial reference.
func (e *PostGIS) CheckParcels(ctx context.Context) error {
	schema, name := db.SchemaAndName(e.cfg.Parcels)

	var exists bool
	err := e.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.columns
			WHERE table_schema = $1 AND table_name = $2 AND column_name = $3)`,
		schema, name, e.cfg.IDField,
	).Scan(&exists)
	if err != nil {
		return NewEngineError("", "check parcels", err)
	}
	if !exists {
		return Preconditionf("", "identifier field %q not found on %s", e.cfg.IDField, e.cfg.Parcels.Sanitize())
	}

	id := db.Quote(e.cfg.IDField)
	var missing, duplicates int64
	err = e.pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT COUNT(*) - COUNT(%[1]s), COUNT(%[1]s) - COUNT(DISTINCT %[1]s::text) FROM %[2]s",
		id, e.cfg.Parcels.Sanitize(),
	)).Scan(&missing, &duplicates)
	if err != nil {
		return NewEngineError("", "check parcels", err)
	}
	if missing > 0 {
		return Preconditionf("", "%d parcels have no %s value", missing, e.cfg.IDField)
	}
	if duplicates > 0 {
		return Preconditionf("", "identifier field %q is not unique (%d duplicate values)", e.cfg.IDField, duplicates)
	}

	var srid int
	err = e.pool.QueryRow(ctx,
		`SELECT srid FROM geometry_columns
			WHERE f_table_schema = $1 AND f_table_name = $2 AND f_geometry_column = $3`,
		schema, name, e.cfg.GeomField,
	).Scan(&srid)
	if errors.Is(err, pgx.ErrNoRows) {
		return Preconditionf("", "geometry column %q not found on %s", e.cfg.GeomField, e.cfg.Parcels.Sanitize())
	}
	if err != nil {
		return NewEngineError("", "check parcels", err)
	}
	if srid == 0 {
		return Preconditionf("", "parcels have no spatial reference")
	}

	return nil
}

// ParcelIDs implements Engine.
func (e *PostGIS) ParcelIDs(ctx context.Context) ([]string, error) {
	sql := fmt.Sprintf("SELECT %[1]s::text FROM %[2]s ORDER BY %[1]s::text",
		db.Quote(e.cfg.IDField), e.cfg.Parcels.Sanitize())

	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		return nil, NewEngineError("", "list parcels", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, NewEngineError("", "list parcels", err)
	}
	return ids, nil
}

// Describe implements Engine. source is an optionally schema-qualified table.
func (e *PostGIS) Describe(ctx context.Context, source string) (model.Layer, error) {
	name := model.LayerName(source)
	table, err := db.ParseTable(source)
	if err != nil {
		return model.Layer{}, &PreconditionError{Layer: name, Reason: "invalid layer table", Err: err}
	}
	schema, bare := db.SchemaAndName(table)

	var col, typ string
	var srid int
	err = e.pool.QueryRow(ctx,
		`SELECT f_geometry_column, type, srid FROM geometry_columns
			WHERE f_table_schema = $1 AND f_table_name = $2
			ORDER BY f_geometry_column LIMIT 1`,
		schema, bare,
	).Scan(&col, &typ, &srid)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Layer{}, Preconditionf(name, "no geometry column on %s", table.Sanitize())
	}
	if err != nil {
		return model.Layer{}, NewEngineError(name, "describe", err)
	}
	if srid == 0 {
		return model.Layer{}, Preconditionf(name, "layer has no spatial reference")
	}

	return model.Layer{
		Name:      name,
		Source:    source,
		ShapeType: model.ShapeTypeFromPostGIS(typ),
		Geometry:  col,
		SRID:      srid,
	}, nil
}

func (e *PostGIS) layerTable(layer model.Layer) (pgx.Identifier, string, error) {
	table, err := db.ParseTable(layer.Source)
	if err != nil {
		return nil, "", &PreconditionError{Layer: layer.Name, Reason: "invalid layer table", Err: err}
	}
	geomCol := layer.Geometry
	if geomCol == "" {
		geomCol = "geom"
	}
	return table, geomCol, nil
}

// Intersects implements Engine.
func (e *PostGIS) Intersects(ctx context.Context, layer model.Layer) (map[string]bool, error) {
	if err := CheckLayer(layer); err != nil {
		return nil, err
	}
	table, geomCol, err := e.layerTable(layer)
	if err != nil {
		return nil, err
	}

	pg := db.Quote(e.cfg.GeomField)
	sql := fmt.Sprintf(
		`SELECT DISTINCT p.%[1]s::text FROM %[2]s p
			JOIN %[3]s l ON ST_Intersects(p.%[4]s, ST_Transform(l.%[5]s, ST_SRID(p.%[4]s)))`,
		db.Quote(e.cfg.IDField), e.cfg.Parcels.Sanitize(), table.Sanitize(), pg, db.Quote(geomCol),
	)

	e.log.Info("selecting intersecting parcels", zap.String("layer", layer.Name))
	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		return nil, NewEngineError(layer.Name, "intersect", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, NewEngineError(layer.Name, "intersect", err)
	}

	hits := make(map[string]bool, len(ids))
	for _, id := range ids {
		hits[id] = true
	}
	return hits, nil
}

// Measure implements Engine. The intersection and dissolve intermediates
// are temp tables dropped when the transaction ends, whether it commits or
// rolls back.
func (e *PostGIS) Measure(ctx context.Context, layer model.Layer) (map[string]float64, error) {
	if err := CheckLayer(layer); err != nil {
		return nil, err
	}
	table, geomCol, err := e.layerTable(layer)
	if err != nil {
		return nil, err
	}

	// ST_CollectionExtract keeps only pieces of the layer's own dimension.
	dim, measureFn := 3, "ST_Area"
	if layer.ShapeType == model.ShapePolyline {
		dim, measureFn = 2, "ST_Length"
	}

	log := e.log.With(zap.String("layer", layer.Name))

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, NewEngineError(layer.Name, "begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	pg := db.Quote(e.cfg.GeomField)
	intersectSQL := fmt.Sprintf(
		`CREATE TEMP TABLE %[1]s ON COMMIT DROP AS
			SELECT p.%[2]s::text AS id,
				ST_CollectionExtract(ST_Intersection(ST_Transform(p.%[3]s, %[4]d), ST_Transform(l.%[5]s, %[4]d)), %[6]d) AS geom
			FROM %[7]s p
			JOIN %[8]s l ON ST_Intersects(p.%[3]s, ST_Transform(l.%[5]s, ST_SRID(p.%[3]s)))`,
		intersectTable, db.Quote(e.cfg.IDField), pg, e.cfg.SRID, db.Quote(geomCol), dim,
		e.cfg.Parcels.Sanitize(), table.Sanitize(),
	)
	log.Info("intersecting layer with parcels")
	if _, err := tx.Exec(ctx, intersectSQL); err != nil {
		return nil, NewEngineError(layer.Name, "intersect", err)
	}

	dissolveSQL := fmt.Sprintf(
		`CREATE TEMP TABLE %[1]s ON COMMIT DROP AS
			SELECT id, ST_Union(geom) AS geom FROM %[2]s
			WHERE NOT ST_IsEmpty(geom) GROUP BY id`,
		dissolveTable, intersectTable,
	)
	log.Info("dissolving overlap by parcel")
	if _, err := tx.Exec(ctx, dissolveSQL); err != nil {
		return nil, NewEngineError(layer.Name, "dissolve", err)
	}

	log.Info("calculating overlap geometry", zap.String("function", measureFn))
	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT id, %s(geom) FROM %s", measureFn, dissolveTable))
	if err != nil {
		return nil, NewEngineError(layer.Name, "measure", err)
	}

	type measured struct {
		ID  string
		Raw float64
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (measured, error) {
		var m measured
		err := row.Scan(&m.ID, &m.Raw)
		return m, err
	})
	if err != nil {
		return nil, NewEngineError(layer.Name, "measure", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, NewEngineError(layer.Name, "commit", err)
	}

	out := make(map[string]float64, len(results))
	for _, m := range results {
		out[m.ID] = e.cfg.Unit.Convert(m.Raw, layer.ShapeType)
	}

	log.Info("overlap measured", zap.Int("parcels", len(out)))
	return out, nil
}
