package space

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
)

// ErrIndexOutOfRange is returned when a job index falls outside [0, Size()).
var ErrIndexOutOfRange = errors.New("job index out of range")

// ConfigError reports a malformed parameter grid. It is fatal and raised
// before any job runs.
type ConfigError struct {
	Param  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Param == "" {
		return "invalid parameter grid: " + e.Reason
	}
	return fmt.Sprintf("invalid parameter grid: parameter %q: %s", e.Param, e.Reason)
}

// Assignment maps each parameter name to one concrete value.
type Assignment map[string]any

// Clone returns an independent copy of the assignment.
func (a Assignment) Clone() Assignment {
	out := make(Assignment, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Space is the cross product of named parameter lists. Names are kept in
// lexicographic order and the first name is the least significant digit of
// the mixed-radix job index, so two spaces built from the same grid always
// decode identically.
type Space struct {
	names  []string
	values [][]any
	arity  []int
	stride []int
	total  int
}

// New builds a Space from a grid of parameter name to candidate values.
func New(grid map[string][]any) (*Space, error) {
	if len(grid) == 0 {
		return nil, &ConfigError{Reason: "no parameters defined"}
	}

	names := make([]string, 0, len(grid))
	for name := range grid {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &Space{
		names:  names,
		values: make([][]any, len(names)),
		arity:  make([]int, len(names)),
		stride: make([]int, len(names)),
		total:  1,
	}
	for i, name := range names {
		vs := grid[name]
		if len(vs) == 0 {
			return nil, &ConfigError{Param: name, Reason: "no candidate values"}
		}
		if s.total > math.MaxInt/len(vs) {
			return nil, &ConfigError{Param: name, Reason: "grid size overflows job index"}
		}
		s.values[i] = append([]any(nil), vs...)
		s.arity[i] = len(vs)
		s.stride[i] = s.total
		s.total *= len(vs)
	}
	return s, nil
}

// MustNew is New that panics on error. Intended for tests and literals.
func MustNew(grid map[string][]any) *Space {
	s, err := New(grid)
	if err != nil {
		panic(err)
	}
	return s
}

// Size returns the number of distinct assignments.
func (s *Space) Size() int {
	return s.total
}

// Names returns the parameter names in canonical order.
func (s *Space) Names() []string {
	return append([]string(nil), s.names...)
}

// Values returns the candidate values of one parameter.
func (s *Space) Values(name string) ([]any, bool) {
	i, ok := s.position(name)
	if !ok {
		return nil, false
	}
	return append([]any(nil), s.values[i]...), true
}

func (s *Space) position(name string) (int, bool) {
	i := sort.SearchStrings(s.names, name)
	if i < len(s.names) && s.names[i] == name {
		return i, true
	}
	return 0, false
}

// Decode converts a job index into its assignment.
func (s *Space) Decode(index int) (Assignment, error) {
	if index < 0 || index >= s.total {
		return nil, fmt.Errorf("decode %d (size %d): %w", index, s.total, ErrIndexOutOfRange)
	}
	return s.decode(index), nil
}

func (s *Space) decode(index int) Assignment {
	a := make(Assignment, len(s.names))
	d := index
	for i, name := range s.names {
		a[name] = s.values[i][d%s.arity[i]]
		d /= s.arity[i]
	}
	return a
}

// Encode converts a complete assignment back into its job index. When a
// value is listed more than once the first occurrence is used.
func (s *Space) Encode(a Assignment) (int, error) {
	index := 0
	for i, name := range s.names {
		v, ok := a[name]
		if !ok {
			return 0, fmt.Errorf("encode: missing parameter %q", name)
		}
		digit := -1
		for j, candidate := range s.values[i] {
			if Equal(candidate, v) {
				digit = j
				break
			}
		}
		if digit < 0 {
			return 0, fmt.Errorf("encode: value %v is not a candidate for parameter %q", v, name)
		}
		index += digit * s.stride[i]
	}
	if len(a) != len(s.names) {
		return 0, fmt.Errorf("encode: assignment has %d parameters, space has %d", len(a), len(s.names))
	}
	return index, nil
}

// Enumerate yields the indices matching sel in increasing order. The
// sequence is restartable: ranging over it again re-runs the scan.
func (s *Space) Enumerate(sel Selector) iter.Seq[int] {
	m := s.compile(sel)
	return func(yield func(int) bool) {
		if m.none {
			return
		}
		for i := 0; i < s.total; i++ {
			if m.match(i) && !yield(i) {
				return
			}
		}
	}
}

// Resolve yields the assignments matching sel in increasing index order.
func (s *Space) Resolve(sel Selector) iter.Seq[Assignment] {
	return func(yield func(Assignment) bool) {
		for i := range s.Enumerate(sel) {
			if !yield(s.decode(i)) {
				return
			}
		}
	}
}

// Jobs yields index and assignment pairs matching sel.
func (s *Space) Jobs(sel Selector) iter.Seq2[int, Assignment] {
	return func(yield func(int, Assignment) bool) {
		for i := range s.Enumerate(sel) {
			if !yield(i, s.decode(i)) {
				return
			}
		}
	}
}

// Indices collects Enumerate(sel) into a slice.
func (s *Space) Indices(sel Selector) []int {
	var out []int
	for i := range s.Enumerate(sel) {
		out = append(out, i)
	}
	return out
}
