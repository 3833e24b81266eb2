package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/parcelscore/internal/model"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect scoring run history",
	Long:  "Commands for listing scoring runs and their per-layer outcomes from the project file.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scoring runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openProject(ctx, flagOr(cmd, "project", ""))
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListRuns(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the layer outcomes of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openProject(ctx, flagOr(cmd, "project", ""))
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		layers, err := st.ListRunLayers(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(layers)
		}
		if len(layers) == 0 {
			fmt.Fprintf(os.Stderr, "No layers recorded for run %s.\n", args[0])
			return nil
		}
		formatRunLayers(os.Stdout, layers)
		return nil
	},
}

func init() {
	runsCmd.PersistentFlags().String("project", "", "project file (default from config)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsShowCmd.Flags().Bool("json", false, "print layers as JSON")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPARCELS\tENGINE\tMODE\tLOW\tHIGH\tSTATUS\tCREATED\tDURATION")
	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%g\t%g\t%s\t%s\t%s\n",
			shortID(r.ID), r.Parcels, r.Engine, r.Mode, r.Low, r.High, r.Status,
			r.CreatedAt.Format("2006-01-02 15:04"), dur)
	}
	_ = w.Flush()
}

// formatRunLayers writes the per-layer outcomes of a run to w.
func formatRunLayers(out io.Writer, layers []model.RunLayer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LAYER\tSTATUS\tPARCELS\tOVERLAPS\tSTARTED\tERROR")
	for _, l := range layers {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			l.Layer, l.Status, l.Parcels, l.Overlaps, l.StartedAt.Format("2006-01-02 15:04:05"), l.Error)
	}
	_ = w.Flush()
}
