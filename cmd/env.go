package main

import (
	"context"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/db"
	"github.com/sells-group/parcelscore/internal/overlay"
	"github.com/sells-group/parcelscore/internal/store"
)

// openPool connects to PostGIS using the configured pool sizing.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Postgres.DatabaseURL == "" {
		return nil, eris.New("postgres database URL is required (PARCELSCORE_POSTGRES_DATABASE_URL)")
	}
	pool, err := db.Connect(ctx, cfg.Postgres.DatabaseURL, &db.PoolConfig{
		MaxConns: cfg.Postgres.MaxConns,
		MinConns: cfg.Postgres.MinConns,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Debug("connected to postgres", zap.Int32("max_conns", pool.Config().MaxConns))
	return pool, nil
}

// openProject opens the project file and makes sure its tables exist.
func openProject(ctx context.Context, path string) (*store.SQLiteStore, error) {
	if path == "" {
		path = cfg.Project.Path
	}
	st, err := store.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

// parcelsKey identifies a parcel shapefile within the project file, so
// scores for different datasets never share a table.
func parcelsKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// scoringEnv bundles what a scoring or export command works against.
type scoringEnv struct {
	Engine  overlay.Engine
	Scores  store.ScoreStore
	Project *store.SQLiteStore
	pool    *pgxpool.Pool
}

// Close releases everything the environment opened.
func (e *scoringEnv) Close() {
	if e.Engine != nil {
		_ = e.Engine.Close()
	}
	if e.Project != nil {
		_ = e.Project.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}
}

type envOptions struct {
	Engine  string
	Parcels string
	IDField string
	Project string
	Adopt   bool
}

// initScoring wires the engine and score store for the selected engine.
// PostGIS writes scores onto the parcel table; GEOS keeps them in the
// project file.
func initScoring(ctx context.Context, opts envOptions) (*scoringEnv, error) {
	if opts.Parcels == "" {
		return nil, eris.New("parcels are required (--parcels, manifest or scoring.parcels)")
	}
	unit, err := overlay.ParseLinearUnit(cfg.Engine.Unit)
	if err != nil {
		return nil, err
	}

	project, err := openProject(ctx, opts.Project)
	if err != nil {
		return nil, err
	}
	env := &scoringEnv{Project: project}

	switch opts.Engine {
	case "geos":
		eng, err := overlay.NewGEOS(overlay.GEOSConfig{
			Parcels: opts.Parcels,
			IDField: opts.IDField,
			SRID:    cfg.Engine.SRID,
			Unit:    unit,
		})
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Engine = eng
		env.Scores = project.ForParcels(parcelsKey(opts.Parcels))

	case "postgis":
		table, err := db.ParseTable(opts.Parcels)
		if err != nil {
			env.Close()
			return nil, err
		}
		pool, err := openPool(ctx)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.pool = pool
		if err := store.Migrate(ctx, pool); err != nil {
			env.Close()
			return nil, err
		}
		eng, err := overlay.NewPostGIS(pool, overlay.PostGISConfig{
			Parcels: table,
			IDField: opts.IDField,
			SRID:    cfg.Engine.SRID,
			Unit:    unit,
		})
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Engine = eng
		scores, err := store.NewPostgres(pool, store.PostgresConfig{
			Parcels:       table,
			IDField:       opts.IDField,
			AdoptExisting: opts.Adopt,
		})
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Scores = scores

	default:
		env.Close()
		return nil, eris.Errorf("unknown engine %q (want postgis or geos)", opts.Engine)
	}
	return env, nil
}
