package shapefile

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/db"
	"github.com/sells-group/parcelscore/internal/model"
)

// GeomColumn is the geometry column name of tables created by Load.
const GeomColumn = "geom"

// LoadOptions configures a shapefile load into PostGIS.
type LoadOptions struct {
	SRID      int  // SRID of the source coordinates
	BatchSize int  // COPY batch size (0 = db.DefaultBatchSize)
	Replace   bool // drop an existing table first
}

// LoadResult summarises a completed load.
type LoadResult struct {
	Table   string
	Rows    int64
	Skipped int
}

// postgisType returns the typmod used for the geometry column.
func postgisType(st model.ShapeType) string {
	switch st {
	case model.ShapePolygon:
		return "MultiPolygon"
	case model.ShapePolyline:
		return "MultiLineString"
	case model.ShapePoint:
		return "Point"
	default:
		return "Geometry"
	}
}

// Load creates table from the dataset's fields (all text) plus a typed
// geometry column, COPYs every feature with a geometry as EWKB and builds a
// GIST index. The whole load runs in one transaction.
func Load(ctx context.Context, pool db.Pool, ds *Dataset, table pgx.Identifier, opts LoadOptions) (*LoadResult, error) {
	if ds == nil {
		return nil, eris.New("shapefile: load: nil dataset")
	}
	if opts.SRID <= 0 {
		return nil, eris.Errorf("shapefile: load %s: SRID required", ds.Name)
	}

	log := zap.L().With(
		zap.String("component", "shapefile.load"),
		zap.String("table", table.Sanitize()),
		zap.Int("features", len(ds.Features)),
	)

	columns := make([]string, 0, len(ds.Fields)+1)
	defs := make([]string, 0, len(ds.Fields)+1)
	for _, f := range ds.Fields {
		if strings.EqualFold(f, GeomColumn) {
			continue
		}
		columns = append(columns, f)
		defs = append(defs, db.Quote(f)+" text")
	}
	columns = append(columns, GeomColumn)
	defs = append(defs, fmt.Sprintf("%s geometry(%s, %d)", db.Quote(GeomColumn), postgisType(ds.ShapeType), opts.SRID))

	rows := make([][]any, 0, len(ds.Features))
	var skipped int
	for _, feat := range ds.Features {
		if feat.Geometry == nil {
			skipped++
			continue
		}
		data, err := EncodeEWKB(feat.Geometry)
		if err != nil {
			skipped++
			continue
		}
		row := make([]any, 0, len(columns))
		for _, c := range columns[:len(columns)-1] {
			v := feat.Attributes[c]
			if v == "" {
				row = append(row, nil)
			} else {
				row = append(row, v)
			}
		}
		rows = append(rows, append(row, data))
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "shapefile: load: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if len(table) == 2 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.Quote(table[0]))); err != nil {
			return nil, eris.Wrapf(err, "shapefile: create schema %s", table[0])
		}
	}
	if opts.Replace {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table.Sanitize())); err != nil {
			return nil, eris.Wrapf(err, "shapefile: drop %s", table.Sanitize())
		}
	}
	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", table.Sanitize(), strings.Join(defs, ", "))
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return nil, eris.Wrapf(err, "shapefile: create %s", table.Sanitize())
	}

	n, err := db.CopyFrom(ctx, tx, table, columns, rows, opts.BatchSize)
	if err != nil {
		return nil, eris.Wrapf(err, "shapefile: load %s", ds.Name)
	}

	_, name := db.SchemaAndName(table)
	indexSQL := fmt.Sprintf("CREATE INDEX %s ON %s USING GIST (%s)",
		db.Quote(name+"_geom_idx"), table.Sanitize(), db.Quote(GeomColumn))
	if _, err := tx.Exec(ctx, indexSQL); err != nil {
		return nil, eris.Wrapf(err, "shapefile: index %s", table.Sanitize())
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "shapefile: load: commit")
	}

	log.Info("shapefile loaded", zap.Int64("rows", n), zap.Int("skipped", skipped))

	return &LoadResult{Table: table.Sanitize(), Rows: n, Skipped: skipped}, nil
}
