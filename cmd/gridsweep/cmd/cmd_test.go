package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/gridsweep/pkg/batch"
	"github.com/psantana5/gridsweep/pkg/config"
	"github.com/psantana5/gridsweep/pkg/engine"
	"github.com/psantana5/gridsweep/pkg/space"
)

func TestParseWhere(t *testing.T) {
	sel, err := parseWhere(nil)
	require.NoError(t, err)
	assert.Equal(t, space.All, sel)

	sel, err = parseWhere([]string{"alpha=1", "baseline=zero", "lr=0.1", "tag="})
	require.NoError(t, err)
	assert.Equal(t, space.ExactMatch{"alpha": 1, "baseline": "zero", "lr": 0.1, "tag": ""}, sel)

	_, err = parseWhere([]string{"alpha"})
	assert.Error(t, err)
	_, err = parseWhere([]string{"=1"})
	assert.Error(t, err)
}

func TestParseWhereSelectsJobs(t *testing.T) {
	sp := space.MustNew(map[string][]any{
		"alpha":    {1, 2},
		"baseline": {"zero", "avg"},
	})
	sel, err := parseWhere([]string{"alpha=2"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, sp.Indices(sel))
}

func TestArrayID(t *testing.T) {
	id, err := arrayID("7", "PBS_ARRAYID")
	require.NoError(t, err)
	assert.Equal(t, 7, id)

	t.Setenv("GRIDSWEEP_TEST_ARRAYID", "3")
	id, err = arrayID("", "GRIDSWEEP_TEST_ARRAYID")
	require.NoError(t, err)
	assert.Equal(t, 3, id)

	_, err = arrayID("", "GRIDSWEEP_TEST_UNSET")
	assert.Error(t, err)
	_, err = arrayID("x", "PBS_ARRAYID")
	assert.Error(t, err)
}

func TestDirectives(t *testing.T) {
	opts := config.Options{
		config.OptResourceLimits: "walltime=01:00:00",
		config.OptDirectives:     []any{"-q short"},
	}
	torque, err := batch.LookupScheduler("torque")
	require.NoError(t, err)
	d, err := directives(torque, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"-l walltime=01:00:00", "-q short"}, d)

	slurm, err := batch.LookupScheduler("slurm")
	require.NoError(t, err)
	d, err = directives(slurm, config.Options{config.OptResourceLimits: []any{"--time=01:00:00", "--mem=4G"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"--time=01:00:00", "--mem=4G"}, d)
}

func TestParamsIndex(t *testing.T) {
	sp := space.MustNew(map[string][]any{
		"alpha":    {1, 2},
		"baseline": {"zero", "avg"},
	})
	i, err := paramsIndex(sp, []string{"alpha=2", "baseline=avg"})
	require.NoError(t, err)
	assert.Equal(t, 3, i)

	i, err = paramsIndex(sp, []string{"baseline=zero", "alpha=2"})
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	_, err = paramsIndex(sp, []string{"alpha=2"})
	assert.ErrorContains(t, err, "missing parameter")
	_, err = paramsIndex(sp, []string{"alpha=3", "baseline=zero"})
	assert.Error(t, err)
	_, err = paramsIndex(sp, nil)
	assert.Error(t, err)
}

func TestSweepMode(t *testing.T) {
	m, err := sweepMode("", false)
	require.NoError(t, err)
	assert.Equal(t, engine.LocalParallel, m)

	m, err = sweepMode("", true)
	require.NoError(t, err)
	assert.Equal(t, engine.Sequential, m)

	m, err = sweepMode("sequential", true)
	require.NoError(t, err)
	assert.Equal(t, engine.Sequential, m)

	_, err = sweepMode("local-parallel", true)
	assert.ErrorContains(t, err, "conflicts")
	_, err = sweepMode("distributed-job", false)
	assert.Error(t, err)
	_, err = sweepMode("cluster", false)
	assert.Error(t, err)
}

func TestJobArgsKeepDSNOutOfScript(t *testing.T) {
	sess := &session{settings: config.Sweep{
		Grid:  "grid.yaml",
		Store: config.StoreConfig{Type: "postgres", DSN: "postgres://sweep:hunter2@db/sweeps"},
		Log:   config.LogConfig{Level: "info"},
	}}
	args := jobArgs(sess)
	assert.NotContains(t, strings.Join(args, " "), "hunter2")
	assert.NotContains(t, args, "--store-dsn")

	torque, err := batch.LookupScheduler("torque")
	require.NoError(t, err)
	assert.Equal(t, []string{"-v GRIDSWEEP_STORE_DSN"}, dsnDirectives(torque, sess.settings.Store.DSN))
	assert.Empty(t, dsnDirectives(torque, ""))

	slurm, err := batch.LookupScheduler("slurm")
	require.NoError(t, err)
	assert.Empty(t, dsnDirectives(slurm, sess.settings.Store.DSN))
}

func TestWriteStatusTables(t *testing.T) {
	ranges := []batch.Range{{Start: 1, End: 2}, {Start: 7, End: 9}}
	var buf bytes.Buffer
	require.NoError(t, writeStatusTables(&buf, Status{Total: 10, Done: 5, Pending: 5, Ranges: ranges}))
	out := buf.String()
	assert.Contains(t, out, "50.0%")
	assert.NotContains(t, out, "All jobs are complete")

	buf.Reset()
	require.NoError(t, writeStatusTables(&buf, Status{Total: 4, Done: 4}))
	assert.Contains(t, buf.String(), "All jobs are complete.")
}
