// Package config loads the unifier configuration from defaults, an
// optional YAML file and TRADEUNIFY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"tradeunify/internal/fallback"
	"tradeunify/internal/logger"
	"tradeunify/internal/mapping"
	"tradeunify/internal/merge"
	"tradeunify/internal/outlier"
	"tradeunify/internal/reference"
	"tradeunify/internal/source"
	"tradeunify/internal/units"
)

const EnvPrefix = "TRADEUNIFY"

type Config struct {
	DB         string `mapstructure:"db" yaml:"db" validate:"required"`
	SourcesDir string `mapstructure:"sources_dir" yaml:"sources_dir" validate:"required"`
	ReportsDir string `mapstructure:"reports_dir" yaml:"reports_dir" validate:"required"`
	BatchSize  int    `mapstructure:"batch_size" yaml:"batch_size" validate:"gt=0"`
	DryRun     bool   `mapstructure:"dry_run" yaml:"dry_run"`

	Merge      merge.Config             `mapstructure:"merge" yaml:"merge"`
	Outliers   Outliers                 `mapstructure:"outliers" yaml:"outliers"`
	Units      Units                    `mapstructure:"units" yaml:"units"`
	Schema     source.Schema            `mapstructure:"schema" yaml:"schema"`
	Sources    map[string]source.Schema `mapstructure:"sources" yaml:"sources,omitempty" validate:"dive"`
	Fallback   Fallback                 `mapstructure:"fallback" yaml:"fallback"`
	References reference.Config         `mapstructure:"references" yaml:"references"`
	Log        logger.Config            `mapstructure:"log" yaml:"log"`
	Metrics    Metrics                  `mapstructure:"metrics" yaml:"metrics"`
}

type Outliers struct {
	outlier.Params `mapstructure:",squash" yaml:",inline"`
	Skip           bool `mapstructure:"skip" yaml:"skip"`
	Keep           bool `mapstructure:"keep" yaml:"keep"`
}

type Units struct {
	units.Config `mapstructure:",squash" yaml:",inline"`
	Base         mapping.Spec `mapstructure:"base" yaml:"base"`
}

type Fallback struct {
	fallback.Config `mapstructure:",squash" yaml:",inline"`
	DB              string `mapstructure:"db" yaml:"db"`
}

type Metrics struct {
	// Textfile is where run metrics are written in the node-exporter
	// textfile format. Empty disables the export.
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db", "trade.db")
	v.SetDefault("sources_dir", "data/national")
	v.SetDefault("reports_dir", "reports")
	v.SetDefault("batch_size", 100000)
	v.SetDefault("dry_run", false)

	v.SetDefault("merge.start_year", 0)
	v.SetDefault("merge.exclude_entities", []string{})
	v.SetDefault("merge.include_fallback_source", false)

	p := outlier.DefaultParams()
	v.SetDefault("outliers.nsd", p.NSD)
	v.SetDefault("outliers.tv", p.TV)
	v.SetDefault("outliers.policy", string(p.Policy))
	v.SetDefault("outliers.min_points", p.MinPoints)
	v.SetDefault("outliers.skip", false)
	v.SetDefault("outliers.keep", false)

	v.SetDefault("units.kilogram_code", units.DefaultKilogramCode)
	v.SetDefault("units.tonne_code", units.DefaultTonneCode)
	v.SetDefault("units.code_field", "KOD")
	v.SetDefault("units.name_field", "NAME")
	v.SetDefault("units.short_name_field", "SHORT_NAME")
	v.SetDefault("units.base.name", "unit base")
	v.SetDefault("units.base.path", "data/mappings/edizm.csv")
	v.SetDefault("units.base.format", string(mapping.FormatCSV))

	v.SetDefault("schema.mirror_flows", false)
	v.SetDefault("schema.decimal", "")

	v.SetDefault("fallback.db", "fallback.db")
	v.SetDefault("fallback.mirror_flows", true)
	v.SetDefault("fallback.partners.name", "partner areas")
	v.SetDefault("fallback.partners.path", "data/mappings/comtrate-partnerAreas.json")
	v.SetDefault("fallback.partners.format", string(mapping.FormatJSON))
	v.SetDefault("fallback.partners.records_path", "results")
	v.SetDefault("fallback.partners.key_field", "id")
	v.SetDefault("fallback.partners.value_field", "PartnerCodeIsoAlpha2")
	v.SetDefault("fallback.units.name", "quantity units")
	v.SetDefault("fallback.units.path", "data/mappings/QuantityUnits.json")
	v.SetDefault("fallback.units.format", string(mapping.FormatJSON))
	v.SetDefault("fallback.units.key_field", "qtyCode")
	v.SetDefault("fallback.units.value_field", "qtyAbbr")

	v.SetDefault("references.codes.name", "code names")
	v.SetDefault("references.codes.path", "data/mappings/tnved.csv")
	v.SetDefault("references.codes.format", string(mapping.FormatCSV))
	v.SetDefault("references.codes.key_field", "KOD")
	v.SetDefault("references.codes.value_field", "NAME")
	v.SetDefault("references.level_field", "level")
	v.SetDefault("references.translations.name", "code translations")
	v.SetDefault("references.translations.path", "data/mappings/translations.json")
	v.SetDefault("references.translations.format", string(mapping.FormatJSON))
	v.SetDefault("references.translations.value_field", "russian_name")
	v.SetDefault("references.entities.name", "entity names")
	v.SetDefault("references.entities.path", "data/mappings/STRANA.csv")
	v.SetDefault("references.entities.format", string(mapping.FormatTSV))
	v.SetDefault("references.entities.key_field", "KOD")
	v.SetDefault("references.entities.value_field", "NAME")
	v.SetDefault("references.entities.upper_keys", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.textfile", "")
}

// Load loads configuration from defaults, cfgFile (optional) and env.
// Precedence: env > config file > defaults. Flags are applied by the caller.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgFile, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("tradeunify")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Merge.ExcludeEntities = splitList(c.Merge.ExcludeEntities)
	return &c, nil
}

// splitList accepts both YAML lists and the comma-separated form that
// environment variables produce.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and returns every violation in one error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt", "gte":
		return fmt.Sprintf("%s must be %s %s, got %v", field, fe.Tag(), fe.Param(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// Dump renders the effective configuration as YAML.
func Dump(c *Config) ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal yaml: %w", err)
	}
	return b, nil
}

// Save writes c to path as YAML.
func Save(c *Config, path string) error {
	b, err := Dump(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
