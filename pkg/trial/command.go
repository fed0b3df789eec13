package trial

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/store"
)

// Command runs an external experiment program once per assignment. Each
// parameter is passed as a "--<name> <value>" flag pair, in canonical name
// order, after the fixed Args. The program's stdout is parsed as a numeric
// matrix and folded by Reducer.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Reducer Reducer
}

// ExitError is returned when the experiment program fails. It carries the
// tail of stderr so the failing job's log line is self-explanatory.
type ExitError struct {
	Path     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Path, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

const stderrTail = 2048

// Run executes the program for one assignment.
func (c *Command) Run(ctx context.Context, params space.Assignment) (store.Result, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("trial command path is empty")
	}
	args, err := c.Argv(params)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		tail := strings.TrimSpace(stderr.String())
		if len(tail) > stderrTail {
			tail = tail[len(tail)-stderrTail:]
		}
		return nil, &ExitError{Path: c.Path, ExitCode: code, Stderr: tail, Err: err}
	}

	matrix, err := ParseMatrix(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse output of %s: %w", c.Path, err)
	}
	reducer := c.Reducer
	if reducer == nil {
		reducer = Raw
	}
	v, err := reducer.Reduce(matrix)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

// Argv returns the program arguments for an assignment.
func (c *Command) Argv(params space.Assignment) ([]string, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	args := append([]string(nil), c.Args...)
	for _, name := range names {
		v, err := FormatValue(params[name])
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		args = append(args, "--"+name, v)
	}
	return args, nil
}

// FormatValue renders a parameter value as a command-line argument.
// Scalars use their natural text form; composites are passed as JSON.
func FormatValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), nil
	case json.Number:
		return t.String(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseMatrix parses whitespace-separated numbers, one row per line.
// Blank lines and lines starting with '#' are skipped; every row must have
// the same width.
func ParseMatrix(data []byte) ([][]float64, error) {
	var rows [][]float64
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		row := make([]float64, len(fields))
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", n+1, i+1, err)
			}
			row[i] = v
		}
		if len(rows) > 0 && len(row) != len(rows[0]) {
			return nil, fmt.Errorf("line %d: expected %d columns, got %d", n+1, len(rows[0]), len(row))
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no numeric output")
	}
	return rows, nil
}
