package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/store"
)

// Mode selects the execution strategy.
type Mode int

const (
	// Sequential runs jobs one after another in index order.
	Sequential Mode = iota
	// LocalParallel runs jobs on a fixed pool of workers.
	LocalParallel
	// DistributedJob runs exactly one externally chosen job (see RunOne).
	DistributedJob
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case LocalParallel:
		return "local-parallel"
	case DistributedJob:
		return "distributed-job"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "sequential", "seq":
		return Sequential, nil
	case "local-parallel", "parallel", "local":
		return LocalParallel, nil
	case "distributed-job", "job":
		return DistributedJob, nil
	}
	return 0, fmt.Errorf("unknown execution mode %q", s)
}

// TrialError records a failed trial. It is a per-job outcome and never
// aborts sibling jobs by itself.
type TrialError struct {
	Index      int
	Assignment space.Assignment
	Err        error
}

func (e *TrialError) Error() string {
	return fmt.Sprintf("trial %d (%s) failed: %v", e.Index, FormatAssignment(e.Assignment), e.Err)
}

func (e *TrialError) Unwrap() error {
	return e.Err
}

// Outcome is what happened to one job during a run.
type Outcome struct {
	Index      int
	Assignment space.Assignment
	Result     store.Result
	Err        error
	Skipped    bool
	Duration   time.Duration
}

// OK reports whether the job has a persisted result after the run.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Report collects the outcomes of a run, ordered by job index.
type Report struct {
	Mode      Mode
	Outcomes  []Outcome
	Succeeded int
	Failed    int
	Skipped   int
	// Halted is set when a sequential run stopped at the first failure.
	Halted   bool
	Duration time.Duration
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch {
	case o.Skipped:
		r.Skipped++
	case o.Err != nil:
		r.Failed++
	default:
		r.Succeeded++
	}
}

func (r *Report) sortOutcomes() {
	sort.Slice(r.Outcomes, func(i, j int) bool { return r.Outcomes[i].Index < r.Outcomes[j].Index })
}

// Failures returns the outcomes that ended in an error.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Err joins all per-job errors, or returns nil when every job succeeded.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// Results returns the successful results keyed by job index.
func (r *Report) Results() map[int]store.Result {
	out := make(map[int]store.Result, r.Succeeded)
	for _, o := range r.Outcomes {
		if o.Err == nil && !o.Skipped {
			out[o.Index] = o.Result
		}
	}
	return out
}

// FormatAssignment renders an assignment as sorted name=value pairs.
func FormatAssignment(a space.Assignment) string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%v", name, a[name])
	}
	return strings.Join(parts, " ")
}
