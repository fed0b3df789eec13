package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/gridsweep/pkg/space"
)

func TestParseSeparatesOptions(t *testing.T) {
	g, err := Parse([]byte(`
alpha: [1, 2]
baseline: [zero, avg]
__resource_limits__: walltime=02:00:00
__num_runs__: 10
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "baseline"}, g.Names())
	assert.Equal(t, []any{1, 2}, g.Params["alpha"])
	assert.Equal(t, 10, g.Options["__num_runs__"])

	limits, err := g.Options.ResourceLimits()
	require.NoError(t, err)
	assert.Equal(t, []string{"walltime=02:00:00"}, limits)

	sp, err := g.Space()
	require.NoError(t, err)
	assert.Equal(t, 4, sp.Size())
}

func TestParseJSON(t *testing.T) {
	g, err := Parse([]byte(`{"lr": [0.1, 0.01], "depth": [2, 4, 8]}`))
	require.NoError(t, err)
	sp, err := g.Space()
	require.NoError(t, err)
	assert.Equal(t, 6, sp.Size())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		param string
	}{
		{"empty document", ``, ""},
		{"only options", `__resource_limits__: nodes=1`, ""},
		{"scalar values", `alpha: 3`, "alpha"},
		{"empty list", `alpha: []`, "alpha"},
		{"not yaml", `alpha: [1, 2`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			var cfgErr *space.ConfigError
			require.True(t, errors.As(err, &cfgErr), "want ConfigError, got %v", err)
			assert.Equal(t, tt.param, cfgErr.Param)
		})
	}
}

func TestIsOptionKey(t *testing.T) {
	assert.True(t, IsOptionKey("__resource_limits__"))
	assert.False(t, IsOptionKey("____"))
	assert.False(t, IsOptionKey("__half"))
	assert.False(t, IsOptionKey("plain"))
}

func TestOptionsStrings(t *testing.T) {
	o := Options{
		OptDirectives: []any{"-q short", "-A proj"},
		"__map__":     map[string]any{"a": 1},
	}
	d, err := o.Directives()
	require.NoError(t, err)
	assert.Equal(t, []string{"-q short", "-A proj"}, d)

	missing, err := o.ResourceLimits()
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = o.Strings("__map__")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("x: [a, b, c]\n"), 0o644))

	g, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, g.Params["x"], 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	s, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "grid.yaml", s.Grid)
	assert.Equal(t, "file", s.Store.Type)
	assert.Equal(t, "torque", s.Batch.Scheduler)
	assert.Equal(t, "raw", s.Trial.Reducer)

	bc := s.BackendConfig()
	assert.Equal(t, "results", bc.Path)
}

func TestFromViperSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
grid: sweep.yaml
workers: 8
store:
  type: sqlite
  path: sweep.db
trial:
  command: [python, train.py]
  reducer: summary
batch:
  scheduler: slurm
`), 0o644))

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	s, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "sweep.yaml", s.Grid)
	assert.Equal(t, 8, s.Workers)
	assert.Equal(t, "sqlite", s.Store.Type)
	assert.Equal(t, []string{"python", "train.py"}, s.Trial.Command)
	assert.Equal(t, "slurm", s.Batch.Scheduler)
	assert.Equal(t, "results.json", s.Results)
}

func TestFromViperEnv(t *testing.T) {
	t.Setenv("GRIDSWEEP_WORKERS", "3")

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("gridsweep")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	s, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Workers)
}

func TestValidate(t *testing.T) {
	base := Sweep{Grid: "g.yaml"}
	require.NoError(t, base.Validate())

	bad := base
	bad.Workers = -1
	assert.Error(t, bad.Validate())

	bad = base
	bad.Trial.Reducer = "median"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Grid = ""
	assert.Error(t, bad.Validate())
}
