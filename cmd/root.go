package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/parcelscore/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "parcelscore",
	Short: "Score land parcels by overlap with reference layers",
	Long: "Measures how each reference layer overlaps every parcel (miles of lines, acres of polygons), " +
		"classifies the overlap into 0/1/2 against shared thresholds and keeps a per-parcel Total_Score.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
