package main

import (
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/parcelscore/internal/batch"
	"github.com/sells-group/parcelscore/internal/db"
	"github.com/sells-group/parcelscore/internal/model"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load parcel and layer shapefiles into PostGIS",
	Example: `  import --parcels data/Parcels.shp --layer data/Wetlands.shp --layer data/Streams.shp --srid 6590
  import --parcels data/Parcels.shp --parcels-table erf.parcels --replace`,
	RunE: runImport,
}

func init() {
	f := importCmd.Flags()
	f.String("parcels", "", "parcel shapefile")
	f.String("parcels-table", "", "table for the parcels (default <schema>.parcels)")
	f.StringArray("layer", nil, "reference layer shapefile; repeatable, or several separated by ';'")
	f.Int("srid", 0, "SRID of the shapefile coordinates (default import.srid, then engine.srid)")
	f.Bool("replace", false, "drop existing tables first")

	rootCmd.AddCommand(importCmd)
}

type importJob struct {
	path  string
	table pgx.Identifier
}

func runImport(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("import"); err != nil {
		return err
	}

	f := cmd.Flags()
	if v, _ := f.GetInt("srid"); v > 0 {
		cfg.Import.SRID = v
	}
	if f.Changed("replace") {
		cfg.Import.Replace, _ = f.GetBool("replace")
	}

	var jobs []importJob
	if parcels, _ := f.GetString("parcels"); parcels != "" {
		table := importTable("parcels")
		if name, _ := f.GetString("parcels-table"); name != "" {
			t, err := db.ParseTable(name)
			if err != nil {
				return err
			}
			table = t
		}
		jobs = append(jobs, importJob{path: parcels, table: table})
	}
	layers, _ := f.GetStringArray("layer")
	for _, l := range parseSources(layers) {
		jobs = append(jobs, importJob{path: l, table: importTable(model.LayerName(l))})
	}
	if len(jobs) == 0 {
		return eris.New("import: nothing to import (--parcels or --layer)")
	}

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Import.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			_, err := importShapefile(gctx, pool, job.path, job.table, importSRID(), cfg.Import.Replace)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "import")
	}

	zap.L().Info("import complete", zap.Int("datasets", len(jobs)))
	return nil
}

// parseSources flattens repeatable and ';'-separated source arguments.
func parseSources(values []string) []string {
	specs := batch.ParseLayerList(values)
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Source
	}
	return out
}
