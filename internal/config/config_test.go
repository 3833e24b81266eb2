package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "postgis", cfg.Engine.Kind)
	assert.Equal(t, 6590, cfg.Engine.SRID)
	assert.Equal(t, "us_survey_foot", cfg.Engine.Unit)
	assert.Equal(t, int32(4), cfg.Postgres.MaxConns)
	assert.Equal(t, "parcelscore.db", cfg.Project.Path)
	assert.Equal(t, "MAPID", cfg.Scoring.IDField)
	assert.Zero(t, cfg.Scoring.Low)
	assert.Zero(t, cfg.Scoring.High)
	assert.False(t, cfg.Scoring.AdoptExistingScores)
	assert.Equal(t, "layers", cfg.Fetch.Dir)
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.Equal(t, 50000, cfg.Import.BatchSize)
	assert.Equal(t, 2, cfg.Import.Concurrency)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yaml := `
log:
  level: debug
  format: console
engine:
  kind: geos
  srid: 32145
  unit: metre
scoring:
  parcels: data/Parcels.shp
  low: 1.5
  high: 10
  adopt_existing_scores: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "geos", cfg.Engine.Kind)
	assert.Equal(t, 32145, cfg.Engine.SRID)
	assert.Equal(t, "metre", cfg.Engine.Unit)
	assert.Equal(t, "data/Parcels.shp", cfg.Scoring.Parcels)
	assert.InDelta(t, 1.5, cfg.Scoring.Low, 1e-9)
	assert.InDelta(t, 10.0, cfg.Scoring.High, 1e-9)
	assert.True(t, cfg.Scoring.AdoptExistingScores)
	// Untouched sections keep their defaults.
	assert.Equal(t, "MAPID", cfg.Scoring.IDField)
}

func TestLoadEnvOverride(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PARCELSCORE_POSTGRES_DATABASE_URL", "postgres://localhost/gis")
	t.Setenv("PARCELSCORE_SCORING_ID_FIELD", "SPAN")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/gis", cfg.Postgres.DatabaseURL)
	assert.Equal(t, "SPAN", cfg.Scoring.IDField)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unclosed"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func validDefaults(t *testing.T) *Config {
	t.Helper()
	chdir(t, t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidate_GEOSNeedsNoDatabase(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Engine.Kind = "geos"
	assert.NoError(t, cfg.Validate("score"))
	assert.NoError(t, cfg.Validate("runs"))
}

func TestValidate_PostGISNeedsDatabase(t *testing.T) {
	cfg := validDefaults(t)

	err := cfg.Validate("score")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres.database_url is required")

	cfg.Postgres.DatabaseURL = "postgres://localhost/gis"
	assert.NoError(t, cfg.Validate("score"))
}

func TestValidate_ImportAlwaysNeedsDatabase(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Engine.Kind = "geos"

	err := cfg.Validate("import")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database_url")
}

func TestValidate_StructConstraints(t *testing.T) {
	cfg := validDefaults(t)
	cfg.Engine.Kind = "arcpy"
	cfg.Engine.SRID = 0
	cfg.Scoring.IDField = ""
	cfg.Import.Concurrency = 0

	err := cfg.Validate("runs")
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "engine.kind must be one of: postgis geos")
	assert.Contains(t, msg, "engine.srid must be greater than 0")
	assert.Contains(t, msg, "scoring.id_field is required")
	assert.Contains(t, msg, "import.concurrency must be at least 1")
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{"json info", LogConfig{Level: "info", Format: "json"}, false},
		{"console debug", LogConfig{Level: "debug", Format: "console"}, false},
		{"bad level", LogConfig{Level: "verbose", Format: "json"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := zap.L()
			t.Cleanup(func() { zap.ReplaceGlobals(orig) })

			err := InitLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotSame(t, orig, zap.L())
		})
	}
}
