package trial

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/store"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "experiment.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestFunc(t *testing.T) {
	f := Func(func(_ context.Context, p space.Assignment) (any, error) {
		return map[string]any{"score": p["alpha"].(int) * 10}, nil
	})
	got, err := f.Run(context.Background(), space.Assignment{"alpha": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"score": 20}`, string(got))
}

func TestFunc_PropagatesError(t *testing.T) {
	boom := errors.New("diverged")
	f := Func(func(context.Context, space.Assignment) (any, error) { return nil, boom })
	_, err := f.Run(context.Background(), space.Assignment{})
	assert.ErrorIs(t, err, boom)
}

func TestMarshal_RawPassThrough(t *testing.T) {
	got, err := Marshal(store.Result(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(got))

	_, err = Marshal(store.Result(`{`))
	assert.Error(t, err)
}

func TestCommand_Argv(t *testing.T) {
	c := &Command{Path: "experiment", Args: []string{"--num_runs", "100"}}
	args, err := c.Argv(space.Assignment{
		"step_size": 0.1,
		"baseline":  "zero",
		"arms":      10,
		"shape":     []any{2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--num_runs", "100",
		"--arms", "10",
		"--baseline", "zero",
		"--shape", "[2,3]",
		"--step_size", "0.1",
	}, args)
}

func TestCommand_RunSummary(t *testing.T) {
	script := writeScript(t, `printf '1 3\n3 5\n'`)
	c := &Command{Path: script, Reducer: SummaryReducer}

	got, err := c.Run(context.Background(), space.Assignment{"alpha": 1})
	require.NoError(t, err)
	// Row means are 2 and 4: mean 3, population std 1, std error 1/sqrt(2).
	assert.JSONEq(t, `{"mean": 3, "std_err": 0.7071067811865475}`, string(got))
}

func TestCommand_ReceivesFlags(t *testing.T) {
	script := writeScript(t, `[ "$1" = "--alpha" ] && [ "$2" = "7" ] && echo 1 || exit 3`)
	c := &Command{Path: script}
	got, err := c.Run(context.Background(), space.Assignment{"alpha": 7})
	require.NoError(t, err)
	assert.JSONEq(t, `[[1]]`, string(got))
}

func TestCommand_NonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "bad stepsize" >&2; exit 4`)
	c := &Command{Path: script}

	_, err := c.Run(context.Background(), space.Assignment{})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 4, exitErr.ExitCode)
	assert.Contains(t, exitErr.Error(), "bad stepsize")
}

func TestCommand_BadOutput(t *testing.T) {
	script := writeScript(t, `echo "1 two"`)
	_, err := (&Command{Path: script}).Run(context.Background(), space.Assignment{})
	assert.ErrorContains(t, err, "line 1 column 2")
}

func TestParseMatrix(t *testing.T) {
	m, err := ParseMatrix([]byte("# header\n1 2 3\n\n4 5 6\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 2, 3}, {4, 5, 6}}, m)

	_, err = ParseMatrix([]byte("1 2\n3\n"))
	assert.ErrorContains(t, err, "expected 2 columns")

	_, err = ParseMatrix([]byte("\n\n"))
	assert.Error(t, err)
}

func TestCurveReducer(t *testing.T) {
	v, err := CurveReducer.Reduce([][]float64{{0, 10}, {2, 10}})
	require.NoError(t, err)
	c := v.(Curve)
	assert.Equal(t, []float64{1, 10}, c.Means)
	assert.InDelta(t, 1/math.Sqrt2, c.StdErrs[0], 1e-12)
	assert.Equal(t, 0.0, c.StdErrs[1])
}

func TestParseReducer(t *testing.T) {
	for _, name := range []string{"", "raw", "summary", "curve"} {
		_, err := ParseReducer(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseReducer("median")
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"last", "last"},
		{true, "true"},
		{42, "42"},
		{0.001, "0.001"},
		{1e21, "1e+21"},
		{map[string]any{"k": 1}, `{"k":1}`},
	}
	for _, tc := range cases {
		got, err := FormatValue(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}
