package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/gridsweep/pkg/store"
	"github.com/psantana5/gridsweep/pkg/trial"
)

// Sweep holds every setting of one sweep. The CLI builds it once from
// flags, environment and settings file and passes it down by value.
type Sweep struct {
	Grid    string      `mapstructure:"grid"`
	Results string      `mapstructure:"results"`
	Store   StoreConfig `mapstructure:"store"`

	Workers       int     `mapstructure:"workers"`
	HaltOnError   bool    `mapstructure:"halt_on_error"`
	SkipCompleted bool    `mapstructure:"skip_completed"`
	StartRate     float64 `mapstructure:"start_rate"`

	Trial  TrialConfig  `mapstructure:"trial"`
	Batch  BatchConfig  `mapstructure:"batch"`
	Log    LogConfig    `mapstructure:"log"`
	Report ReportConfig `mapstructure:"report"`
	Trace  TraceConfig  `mapstructure:"tracing"`
}

type StoreConfig struct {
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

type TrialConfig struct {
	Command []string `mapstructure:"command"`
	Reducer string   `mapstructure:"reducer"`
	Dir     string   `mapstructure:"dir"`
}

type BatchConfig struct {
	Scheduler  string   `mapstructure:"scheduler"`
	Command    string   `mapstructure:"command"`
	Args       []string `mapstructure:"args"`
	Executable string   `mapstructure:"executable"`
	WorkDir    string   `mapstructure:"workdir"`
	Script     string   `mapstructure:"script"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	Dir   string `mapstructure:"dir"`
}

type ReportConfig struct {
	Listen      string `mapstructure:"listen"`
	MetricsFile string `mapstructure:"metrics_file"`
}

type TraceConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
}

// SetDefaults registers the default of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("grid", "grid.yaml")
	v.SetDefault("results", "results.json")
	v.SetDefault("store.type", "file")
	v.SetDefault("store.path", "results")
	v.SetDefault("workers", 0)
	v.SetDefault("trial.reducer", "raw")
	v.SetDefault("batch.scheduler", "torque")
	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "development")
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Sweep, error) {
	var s Sweep
	if err := v.Unmarshal(&s); err != nil {
		return Sweep{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Sweep{}, err
	}
	return s, nil
}

// Validate checks settings that do not depend on the command being run.
func (s Sweep) Validate() error {
	if s.Grid == "" {
		return fmt.Errorf("settings: grid file is required")
	}
	if s.Workers < 0 {
		return fmt.Errorf("settings: workers must not be negative, got %d", s.Workers)
	}
	if s.StartRate < 0 {
		return fmt.Errorf("settings: start_rate must not be negative, got %g", s.StartRate)
	}
	if _, err := trial.ParseReducer(s.Trial.Reducer); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}

// BackendConfig converts the store section into a store.Config.
func (s Sweep) BackendConfig() store.Config {
	return store.Config{
		Type:            s.Store.Type,
		Path:            s.Store.Path,
		DSN:             s.Store.DSN,
		ConnMaxLifetime: 5 * time.Minute,
	}
}
