package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/batch"
	"github.com/sells-group/parcelscore/internal/db"
	"github.com/sells-group/parcelscore/internal/model"
	"github.com/sells-group/parcelscore/internal/scoring"
	"github.com/sells-group/parcelscore/internal/shapefile"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score parcels against reference layers",
	Long: `Runs every reference layer against the parcels in order. Each layer gets a
{Layer}_SCORE field (and {Layer}_Miles / {Layer}_Acres in magnitude mode) and
Total_Score is recomputed after each one. A failing layer is logged and
skipped; the remaining layers are still scored.

With --low 0 --high 0 (the default) parcels score 1 when they intersect a
layer. Otherwise the dissolved overlap is classified: low < high ranks larger
overlaps higher, low >= high ranks smaller overlaps higher.`,
	Example: `  # PostGIS: parcels and layers are tables
  score --parcels erf.parcels --layer erf.wetlands --layer erf.streams --low 1 --high 10

  # In-process GEOS engine against shapefiles
  score --engine geos --parcels data/Parcels.shp --layer "data/Wetlands.shp;data/Streams.shp"

  # Batch manifest
  score --manifest batch.yaml`,
	RunE: runScore,
}

func init() {
	addScoreFlags(scoreCmd)
	rootCmd.AddCommand(scoreCmd)
}

func addScoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("parcels", "", "parcel table (postgis) or shapefile (geos)")
	f.StringArray("layer", nil, "reference layer; repeatable, or several separated by ';'")
	f.Float64("low", 0, "low threshold")
	f.Float64("high", 0, "high threshold")
	f.String("manifest", "", "YAML batch manifest")
	f.String("engine", "", "overlay engine: postgis or geos (default from config)")
	f.String("project", "", "project file (default from config)")
	f.String("id-field", "", "parcel identifier field (default from config)")
	f.Bool("adopt-existing", false, "also sum pre-existing *SCORE* fields into Total_Score (postgis)")
}

// scoreParams is the merged view of flags, manifest and config.
type scoreParams struct {
	Engine     string
	Parcels    string
	IDField    string
	Project    string
	Adopt      bool
	Thresholds scoring.Thresholds
	Layers     []batch.LayerSpec
}

func resolveScoreParams(cmd *cobra.Command) (*scoreParams, error) {
	f := cmd.Flags()
	p := &scoreParams{
		Engine:  cfg.Engine.Kind,
		Parcels: cfg.Scoring.Parcels,
		IDField: cfg.Scoring.IDField,
		Project: cfg.Project.Path,
		Adopt:   cfg.Scoring.AdoptExistingScores,
		Thresholds: scoring.Thresholds{
			Low:  cfg.Scoring.Low,
			High: cfg.Scoring.High,
		},
	}

	if path, _ := f.GetString("manifest"); path != "" {
		m, err := batch.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		if m.Parcels != "" {
			p.Parcels = m.Parcels
		}
		if m.IDField != "" {
			p.IDField = m.IDField
		}
		if m.Low != nil {
			p.Thresholds.Low = *m.Low
		}
		if m.High != nil {
			p.Thresholds.High = *m.High
		}
		p.Layers = append(p.Layers, m.Layers...)
	}

	if v, _ := f.GetString("engine"); v != "" {
		p.Engine = v
	}
	if v, _ := f.GetString("parcels"); v != "" {
		p.Parcels = v
	}
	if v, _ := f.GetString("id-field"); v != "" {
		p.IDField = v
	}
	if v, _ := f.GetString("project"); v != "" {
		p.Project = v
	}
	if f.Changed("adopt-existing") {
		p.Adopt, _ = f.GetBool("adopt-existing")
	}
	if f.Changed("low") {
		p.Thresholds.Low, _ = f.GetFloat64("low")
	}
	if f.Changed("high") {
		p.Thresholds.High, _ = f.GetFloat64("high")
	}
	layers, _ := f.GetStringArray("layer")
	p.Layers = append(p.Layers, batch.ParseLayerList(layers)...)

	if len(p.Layers) == 0 {
		return nil, eris.New("score: at least one layer is required (--layer or manifest)")
	}
	if err := p.Thresholds.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func runScore(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := resolveScoreParams(cmd)
	if err != nil {
		return err
	}
	cfg.Engine.Kind = p.Engine
	if err := cfg.Validate("score"); err != nil {
		return err
	}

	env, err := initScoring(ctx, envOptions{
		Engine:  p.Engine,
		Parcels: p.Parcels,
		IDField: p.IDField,
		Project: p.Project,
		Adopt:   p.Adopt,
	})
	if err != nil {
		return err
	}
	defer env.Close()

	layers, err := fetchLayers(ctx, env, p.Layers)
	if err != nil {
		return err
	}

	runner, err := batch.NewRunner(env.Engine, env.Scores, env.Project, batch.Config{
		Parcels:    p.Parcels,
		Thresholds: p.Thresholds,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	sum, err := runner.Run(ctx, layers)
	if sum != nil {
		formatSummary(os.Stdout, sum)
	}
	if err != nil {
		return eris.Wrap(err, "score")
	}

	zap.L().Info("score complete",
		zap.String("run_id", sum.RunID),
		zap.String("status", string(sum.Status)),
		zap.Int("failed", sum.Failed()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// fetchLayers downloads layers that carry a URL. For PostGIS the fetched
// shapefile is loaded into the import schema and scored from there.
func fetchLayers(ctx context.Context, env *scoringEnv, layers []batch.LayerSpec) ([]batch.LayerSpec, error) {
	var dl *shapefile.Downloader
	out := make([]batch.LayerSpec, 0, len(layers))
	for _, l := range layers {
		if l.URL == "" {
			out = append(out, l)
			continue
		}
		if dl == nil {
			dl = newDownloader()
		}
		path, err := dl.Fetch(ctx, l.URL, fetchDir(l))
		if err != nil {
			return nil, eris.Wrapf(err, "score: fetch layer %s", l.URL)
		}
		if l.Name == "" {
			l.Name = model.LayerName(l.Source)
		}
		l.Source = path

		if env.pool != nil {
			table, err := importShapefile(ctx, env.pool, path, importTable(l.Name), importSRID(), true)
			if err != nil {
				return nil, err
			}
			l.Source = strings.Join(table, ".")
		}
		out = append(out, l)
	}
	return out, nil
}

func newDownloader() *shapefile.Downloader {
	return shapefile.NewDownloader(shapefile.DownloadOptions{
		UserAgent:   cfg.Fetch.UserAgent,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries:  cfg.Fetch.MaxRetries,
		RatePerHost: cfg.Fetch.RatePerHost,
	})
}

func fetchDir(l batch.LayerSpec) string {
	name := l.Name
	if name == "" {
		name = model.LayerName(l.Source)
	}
	return filepath.Join(cfg.Fetch.Dir, scoring.FieldName(name))
}

// importTable names the PostGIS table a layer is loaded into.
func importTable(name string) pgx.Identifier {
	table := strings.ToLower(scoring.FieldName(name))
	if cfg.Import.Schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{cfg.Import.Schema, table}
}

// importSRID is the SRID assumed for shapefiles loaded into PostGIS.
func importSRID() int {
	if cfg.Import.SRID > 0 {
		return cfg.Import.SRID
	}
	return cfg.Engine.SRID
}

func importShapefile(ctx context.Context, pool db.Pool, path string, table pgx.Identifier, srid int, replace bool) (pgx.Identifier, error) {
	ds, err := shapefile.Read(path, srid)
	if err != nil {
		return nil, err
	}
	res, err := shapefile.Load(ctx, pool, ds, table, shapefile.LoadOptions{
		SRID:      srid,
		BatchSize: cfg.Import.BatchSize,
		Replace:   replace,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("shapefile imported",
		zap.String("source", path),
		zap.String("table", res.Table),
		zap.Int64("rows", res.Rows),
		zap.Int("skipped", res.Skipped),
	)
	return table, nil
}

// formatSummary writes a per-layer outcome table to w.
func formatSummary(out io.Writer, sum *batch.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LAYER\tSTATUS\tOVERLAPS\tSCORE_0\tSCORE_1\tSCORE_2\tDURATION\tERROR")
	for _, l := range sum.Layers {
		status := "complete"
		if l.Failed() {
			status = "failed"
		}
		errMsg := ""
		if l.Err != nil {
			errMsg = l.Err.Error()
			if len(errMsg) > 80 {
				errMsg = errMsg[:77] + "..."
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			l.Layer, status, l.Overlaps,
			l.Counts[0], l.Counts[1], l.Counts[2],
			l.Duration.Round(time.Millisecond), errMsg)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\nRun %s: %s (%d of %d layers failed)\n",
		shortID(sum.RunID), sum.Status, sum.Failed(), len(sum.Layers))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
