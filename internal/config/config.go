package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
	Project  ProjectConfig  `yaml:"project" mapstructure:"project"`
	Scoring  ScoringConfig  `yaml:"scoring" mapstructure:"scoring"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Import   ImportConfig   `yaml:"import" mapstructure:"import"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"required"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// EngineConfig selects the overlay engine and the CRS measurements are
// taken in.
type EngineConfig struct {
	Kind string `yaml:"kind" mapstructure:"kind" validate:"oneof=postgis geos"`
	SRID int    `yaml:"srid" mapstructure:"srid" validate:"gt=0"`
	// Unit is the linear unit of SRID: us_survey_foot or metre.
	Unit string `yaml:"unit" mapstructure:"unit" validate:"oneof=us_survey_foot metre meter"`
}

// PostgresConfig configures the PostGIS connection.
type PostgresConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns" validate:"gte=0"`
}

// ProjectConfig locates the project file holding the run ledger.
type ProjectConfig struct {
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// ScoringConfig holds the batch defaults; command flags override them.
type ScoringConfig struct {
	Parcels string  `yaml:"parcels" mapstructure:"parcels"`
	IDField string  `yaml:"id_field" mapstructure:"id_field" validate:"required"`
	Low     float64 `yaml:"low" mapstructure:"low"`
	High    float64 `yaml:"high" mapstructure:"high"`
	// AdoptExistingScores adds pre-existing *SCORE* columns to Total_Score.
	AdoptExistingScores bool `yaml:"adopt_existing_scores" mapstructure:"adopt_existing_scores"`
}

// FetchConfig configures reference layer downloads.
type FetchConfig struct {
	Dir         string  `yaml:"dir" mapstructure:"dir" validate:"required"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs" validate:"gt=0"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0"`
	RatePerHost float64 `yaml:"rate_per_host" mapstructure:"rate_per_host" validate:"gt=0"`
}

// ImportConfig configures shapefile loading into PostGIS.
type ImportConfig struct {
	Schema      string `yaml:"schema" mapstructure:"schema"`
	SRID        int    `yaml:"srid" mapstructure:"srid" validate:"gte=0"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size" validate:"gt=0"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=1"`
	Replace     bool   `yaml:"replace" mapstructure:"replace"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PARCELSCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("engine.kind", "postgis")
	v.SetDefault("engine.srid", 6590)
	v.SetDefault("engine.unit", "us_survey_foot")
	v.SetDefault("postgres.database_url", "")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.min_conns", 1)
	v.SetDefault("project.path", "parcelscore.db")
	v.SetDefault("scoring.parcels", "")
	v.SetDefault("scoring.id_field", "MAPID")
	v.SetDefault("scoring.low", 0)
	v.SetDefault("scoring.high", 0)
	v.SetDefault("scoring.adopt_existing_scores", false)
	v.SetDefault("fetch.dir", "layers")
	v.SetDefault("fetch.user_agent", "parcelscore/1.0")
	v.SetDefault("fetch.timeout_secs", 300)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_per_host", 2)
	v.SetDefault("import.schema", "public")
	v.SetDefault("import.srid", 0)
	v.SetDefault("import.batch_size", 50000)
	v.SetDefault("import.concurrency", 2)
	v.SetDefault("import.replace", false)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the struct constraints plus what the given command needs
// ("score", "import", "migrate", "fetch", "export", "runs").
func (c *Config) Validate(command string) error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return eris.Wrap(err, "config: validate")
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	needsDB := false
	switch command {
	case "import", "migrate":
		needsDB = true
	case "score", "export":
		needsDB = c.Engine.Kind == "postgis"
	}
	if needsDB && c.Postgres.DatabaseURL == "" {
		problems = append(problems, "postgres.database_url is required")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration for %s: %s", command, strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s (got %v)", field, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
