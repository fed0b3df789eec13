// Package gather reads every per-job record back out of a store and
// consolidates them into one collection ordered by job index.
package gather

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/store"
)

// maxListed bounds how many indices IncompleteError spells out.
const maxListed = 20

// IncompleteError is returned when at least one job has no record.
type IncompleteError struct {
	Total   int
	Missing []int
}

func (e *IncompleteError) Error() string {
	listed := e.Missing
	if len(listed) > maxListed {
		listed = listed[:maxListed]
	}
	parts := make([]string, len(listed))
	for i, idx := range listed {
		parts[i] = strconv.Itoa(idx)
	}
	msg := fmt.Sprintf("not all jobs are done: %d of %d missing (%s", len(e.Missing), e.Total, strings.Join(parts, ", "))
	if len(e.Missing) > maxListed {
		msg += ", ..."
	}
	return msg + ")"
}

// Missing returns the job indices without a record, in increasing order.
func Missing(ctx context.Context, sp *space.Space, st store.Store) ([]int, error) {
	var missing []int
	for i := 0; i < sp.Size(); i++ {
		ok, err := st.Exists(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", store.RecordName(i), err)
		}
		if !ok {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// All returns the result of every job, indexed 0..Size()-1. It never returns
// a partial collection: any absent record yields an *IncompleteError.
func All(ctx context.Context, sp *space.Space, st store.Store) ([]store.Result, error) {
	missing, err := Missing(ctx, sp, st)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &IncompleteError{Total: sp.Size(), Missing: missing}
	}

	results := make([]store.Result, sp.Size())
	for i := range results {
		r, err := st.Get(ctx, i)
		if err != nil {
			// Removed between the existence scan and the read.
			if errors.Is(err, store.ErrNotFound) {
				return nil, &IncompleteError{Total: sp.Size(), Missing: []int{i}}
			}
			return nil, fmt.Errorf("read %s: %w", store.RecordName(i), err)
		}
		results[i] = r
	}
	return results, nil
}

// Encode renders results as a JSON array with object keys sorted and a
// two-space indent.
func Encode(results []store.Result) ([]byte, error) {
	values := make([]any, len(results))
	for i, r := range results {
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		if err := dec.Decode(&values[i]); err != nil {
			return nil, fmt.Errorf("decode %s: %w", store.RecordName(i), err)
		}
	}
	// Maps marshal with sorted keys; json.Number keeps numbers verbatim.
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteFile atomically writes the consolidated collection to path.
func WriteFile(path string, results []store.Result) error {
	data, err := Encode(results)
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Run gathers all results and writes them to path.
func Run(ctx context.Context, sp *space.Space, st store.Store, path string) ([]store.Result, error) {
	results, err := All(ctx, sp, st)
	if err != nil {
		return nil, err
	}
	if err := WriteFile(path, results); err != nil {
		return nil, err
	}
	return results, nil
}
