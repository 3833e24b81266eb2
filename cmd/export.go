package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/db"
	"github.com/sells-group/parcelscore/internal/report"
	"github.com/sells-group/parcelscore/internal/scoring"
	"github.com/sells-group/parcelscore/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the parcel score table ranked by Total_Score",
	Example: `  export --parcels erf.parcels --output scores.xlsx
  export --engine geos --parcels data/Parcels.shp --format csv --output scores.csv
  export --parcels erf.parcels --format table --limit 20`,
	RunE: runExport,
}

func init() {
	f := exportCmd.Flags()
	f.String("parcels", "", "parcel table (postgis) or parcel shapefile (geos)")
	f.String("engine", "", "postgis or geos (default from config)")
	f.String("project", "", "project file (default from config)")
	f.String("id-field", "", "parcel identifier field (default from config)")
	f.String("format", "", "xlsx, csv or table (default from the output extension, else table)")
	f.String("output", "", "output file (stdout for csv and table when empty)")
	f.Int("limit", 0, "only export the top N parcels")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	f := cmd.Flags()

	engine := flagOr(cmd, "engine", cfg.Engine.Kind)
	cfg.Engine.Kind = engine
	if err := cfg.Validate("export"); err != nil {
		return err
	}
	idField := flagOr(cmd, "id-field", cfg.Scoring.IDField)
	output, _ := f.GetString("output")
	format, _ := f.GetString("format")
	if format == "" {
		format = exportFormat(output)
	}
	if format == "xlsx" && output == "" {
		return eris.New("export: --output is required for xlsx")
	}

	var scores store.ScoreStore
	switch engine {
	case "geos":
		parcels := flagOr(cmd, "parcels", cfg.Scoring.Parcels)
		if parcels == "" {
			return eris.New("export: --parcels is required to pick the scored shapefile")
		}
		project, err := openProject(ctx, flagOr(cmd, "project", cfg.Project.Path))
		if err != nil {
			return err
		}
		scores = project.ForParcels(parcelsKey(parcels))
	case "postgis":
		table, err := db.ParseTable(flagOr(cmd, "parcels", cfg.Scoring.Parcels))
		if err != nil {
			return err
		}
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg, err := store.NewPostgres(pool, store.PostgresConfig{
			Parcels:       table,
			IDField:       idField,
			AdoptExisting: cfg.Scoring.AdoptExistingScores,
		})
		if err != nil {
			return err
		}
		scores = pg
	default:
		return eris.Errorf("export: unknown engine %q", engine)
	}
	defer scores.Close() //nolint:errcheck

	table, reg, err := scores.LoadTable(ctx)
	if err != nil {
		return eris.Wrap(err, "export: load scores")
	}
	rep := report.Build(table, reg, idField)
	limit, _ := f.GetInt("limit")
	rep.Limit(limit)

	if err := writeReport(rep, format, output); err != nil {
		return err
	}
	zap.L().Info("export complete",
		zap.String("format", format),
		zap.String("output", output),
		zap.Int("parcels", len(rep.Rows)),
		zap.Strings("fields", append(reg.ScoreFields(), scoring.TotalField)),
	)
	return nil
}

func writeReport(rep *report.Report, format, output string) error {
	if format == "xlsx" {
		return report.WriteXLSX(output, rep)
	}

	w := os.Stdout
	if output != "" {
		file, err := os.Create(output)
		if err != nil {
			return eris.Wrapf(err, "export: create output file %s", output)
		}
		defer file.Close() //nolint:errcheck
		w = file
	}

	switch format {
	case "csv":
		return report.WriteCSV(w, rep)
	case "table":
		return report.WriteTable(w, rep)
	default:
		return eris.Errorf("export: unsupported format %q", format)
	}
}

// exportFormat picks a format from the output file extension.
func exportFormat(output string) string {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".xlsx":
		return "xlsx"
	case ".csv":
		return "csv"
	default:
		return "table"
	}
}

func flagOr(cmd *cobra.Command, name, fallback string) string {
	if v, _ := cmd.Flags().GetString(name); v != "" {
		return v
	}
	return fallback
}
