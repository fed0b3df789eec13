// Package config loads sweep grids and the settings that drive a sweep.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/gridsweep/pkg/space"
)

// Option keys recognised by gridsweep. Other __name__ keys are kept in
// Options untouched.
const (
	OptResourceLimits = "__resource_limits__"
	OptDirectives     = "__directives__"
)

var optionKey = regexp.MustCompile(`^__.+__$`)

// IsOptionKey reports whether a grid key is an option rather than a
// parameter.
func IsOptionKey(key string) bool {
	return optionKey.MatchString(key)
}

// Options are the __name__ entries of a grid file.
type Options map[string]any

// Strings returns an option as a list of strings. A scalar is a one-element
// list; a missing option is nil.
func (o Options) Strings(key string) ([]string, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, len(t))
		for i, x := range t {
			out[i] = fmt.Sprint(x)
		}
		return out, nil
	case map[string]any:
		return nil, fmt.Errorf("option %s: expected a string or a list, got a mapping", key)
	default:
		return []string{fmt.Sprint(t)}, nil
	}
}

// ResourceLimits returns the __resource_limits__ entries, each of which
// becomes one "-l" directive on TORQUE.
func (o Options) ResourceLimits() ([]string, error) {
	return o.Strings(OptResourceLimits)
}

// Directives returns raw scheduler directives from __directives__.
func (o Options) Directives() ([]string, error) {
	return o.Strings(OptDirectives)
}

// Grid is a parsed grid file.
type Grid struct {
	Params  map[string][]any
	Options Options
}

// Names returns the parameter names in sorted order.
func (g *Grid) Names() []string {
	names := make([]string, 0, len(g.Params))
	for name := range g.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Space builds the parameter space of the grid.
func (g *Grid) Space() (*space.Space, error) {
	return space.New(g.Params)
}

// Parse decodes a YAML (or JSON) grid document.
func Parse(data []byte) (*Grid, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &space.ConfigError{Reason: fmt.Sprintf("invalid grid document: %v", err)}
	}
	if len(raw) == 0 {
		return nil, &space.ConfigError{Reason: "no parameters defined"}
	}

	g := &Grid{Params: make(map[string][]any), Options: make(Options)}
	for key, v := range raw {
		if IsOptionKey(key) {
			g.Options[key] = v
			continue
		}
		list, ok := v.([]any)
		if !ok {
			return nil, &space.ConfigError{Param: key, Reason: fmt.Sprintf("candidate values must be a list, got %T", v)}
		}
		if len(list) == 0 {
			return nil, &space.ConfigError{Param: key, Reason: "no candidate values"}
		}
		g.Params[key] = list
	}
	if len(g.Params) == 0 {
		return nil, &space.ConfigError{Reason: "no parameters defined"}
	}
	return g, nil
}

// Load reads and parses a grid file.
func Load(path string) (*Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read grid file: %w", err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}
