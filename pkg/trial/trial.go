package trial

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/store"
)

// Trial runs the experiment for one parameter assignment. Implementations
// must be stateless: the engine may call Run concurrently and in any order.
type Trial interface {
	Run(ctx context.Context, params space.Assignment) (store.Result, error)
}

// Func adapts an in-process function to Trial. The returned value is
// serialized as JSON.
type Func func(ctx context.Context, params space.Assignment) (any, error)

// Run calls f and marshals its result.
func (f Func) Run(ctx context.Context, params space.Assignment) (store.Result, error) {
	v, err := f(ctx, params)
	if err != nil {
		return nil, err
	}
	return Marshal(v)
}

// Marshal serializes a trial value, passing raw JSON through untouched.
func Marshal(v any) (store.Result, error) {
	switch t := v.(type) {
	case store.Result:
		if !json.Valid(t) {
			return nil, fmt.Errorf("trial returned invalid JSON")
		}
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize trial result: %w", err)
	}
	return data, nil
}
