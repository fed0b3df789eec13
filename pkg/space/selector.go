package space

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Selector filters enumeration. It has exactly three forms: MatchAll,
// ExactMatch and Predicate. A nil Selector behaves like MatchAll.
type Selector interface {
	selector()
}

// MatchAll selects every job.
type MatchAll struct{}

// ExactMatch selects jobs whose assignment agrees with every listed
// name/value pair. Unknown names or unlisted values match nothing.
type ExactMatch map[string]any

// Predicate selects jobs for which the function returns true.
type Predicate func(Assignment) bool

func (MatchAll) selector()   {}
func (ExactMatch) selector() {}
func (Predicate) selector()  {}

// All is the MatchAll selector.
var All Selector = MatchAll{}

// Match reports whether an assignment satisfies sel.
func Match(sel Selector, a Assignment) bool {
	switch sel := sel.(type) {
	case nil, MatchAll:
		return true
	case ExactMatch:
		for name, want := range sel {
			got, ok := a[name]
			if !ok || !Equal(got, want) {
				return false
			}
		}
		return true
	case Predicate:
		return sel(a)
	default:
		panic(fmt.Sprintf("space: unknown selector type %T", sel))
	}
}

// matcher is a selector bound to one space. Exact matches are resolved to
// allowed digits up front so enumeration never decodes full assignments.
type matcher struct {
	none     bool
	matchAll bool
	digits   []digitFilter
	s        *Space
	pred     Predicate
}

type digitFilter struct {
	stride  int
	arity   int
	allowed []bool
}

func (s *Space) compile(sel Selector) matcher {
	switch sel := sel.(type) {
	case nil, MatchAll:
		return matcher{matchAll: true}
	case ExactMatch:
		m := matcher{}
		for name, want := range sel {
			pos, ok := s.position(name)
			if !ok {
				return matcher{none: true}
			}
			f := digitFilter{
				stride:  s.stride[pos],
				arity:   s.arity[pos],
				allowed: make([]bool, s.arity[pos]),
			}
			found := false
			for j, v := range s.values[pos] {
				if Equal(v, want) {
					f.allowed[j] = true
					found = true
				}
			}
			if !found {
				return matcher{none: true}
			}
			m.digits = append(m.digits, f)
		}
		return m
	case Predicate:
		return matcher{s: s, pred: sel}
	default:
		panic(fmt.Sprintf("space: unknown selector type %T", sel))
	}
}

func (m matcher) match(index int) bool {
	switch {
	case m.none:
		return false
	case m.matchAll:
		return true
	case m.pred != nil:
		return m.pred(m.s.decode(index))
	}
	for _, f := range m.digits {
		if !f.allowed[(index/f.stride)%f.arity] {
			return false
		}
	}
	return true
}

// Equal compares two parameter values. Numbers compare by value regardless
// of their Go type, so a YAML int matches a JSON float64 of the same value.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// normalize rewrites nested numbers as float64 so composite values decoded
// from different formats compare equal.
func normalize(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalize(x)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = normalize(x)
		}
		return out
	}
	return v
}
