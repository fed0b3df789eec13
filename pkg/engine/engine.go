package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/psantana5/gridsweep/pkg/logging"
	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/store"
	"github.com/psantana5/gridsweep/pkg/trial"
)

// ErrWrongMode is returned when an operation does not fit the configured
// mode, e.g. Run on a DistributedJob engine.
var ErrWrongMode = errors.New("operation not supported in this execution mode")

// Observer receives job lifecycle events. internal/report implements it
// with Prometheus collectors.
type Observer interface {
	TrialStarted(index int)
	TrialFinished(index int, d time.Duration, err error)
	TrialSkipped(index int)
}

type nopObserver struct{}

func (nopObserver) TrialStarted(int)                        {}
func (nopObserver) TrialFinished(int, time.Duration, error) {}
func (nopObserver) TrialSkipped(int)                        {}

// Options configures an Engine. The zero value is a sequential engine that
// continues past failures.
type Options struct {
	Mode    Mode
	Workers int

	// HaltOnError stops a sequential run after the first failed job.
	// Local-parallel runs never cancel sibling jobs.
	HaltOnError bool

	// SkipCompleted skips jobs that already have a record, which makes a
	// repeated local run resume where the previous one stopped.
	SkipCompleted bool

	// StartRate limits trial starts per second. Zero means unlimited.
	StartRate float64

	Logger   *logging.Logger
	Observer Observer
	Tracer   trace.Tracer
}

// Engine runs a trial over the jobs of a parameter space and writes every
// successful result through the store.
type Engine struct {
	space    *space.Space
	store    store.Store
	trial    trial.Trial
	opts     Options
	log      *logging.Logger
	observer Observer
	tracer   trace.Tracer
	limiter  *rate.Limiter
}

// New creates an engine.
func New(sp *space.Space, st store.Store, tr trial.Trial, opts Options) (*Engine, error) {
	if sp == nil || st == nil || tr == nil {
		return nil, fmt.Errorf("engine: space, store and trial are required")
	}
	switch opts.Mode {
	case Sequential, DistributedJob:
	case LocalParallel:
		if opts.Workers < 1 {
			return nil, fmt.Errorf("engine: local-parallel mode needs at least one worker, got %d", opts.Workers)
		}
	default:
		return nil, fmt.Errorf("engine: %w: %v", ErrWrongMode, opts.Mode)
	}

	e := &Engine{
		space:    sp,
		store:    st,
		trial:    tr,
		opts:     opts,
		log:      logging.OrDiscard(opts.Logger).WithField("mode", opts.Mode.String()),
		observer: opts.Observer,
		tracer:   opts.Tracer,
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("gridsweep")
	}
	if opts.StartRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.StartRate), 1)
	}
	return e, nil
}

// Mode returns the configured execution mode.
func (e *Engine) Mode() Mode {
	return e.opts.Mode
}

// Run executes every job selected by sel. Failed trials are reported in
// the returned Report rather than as an error; the error is non-nil only
// when ctx ends before all jobs were dispatched. Jobs already dispatched
// always run to completion.
func (e *Engine) Run(ctx context.Context, sel space.Selector) (*Report, error) {
	start := time.Now()
	var (
		rep *Report
		err error
	)
	switch e.opts.Mode {
	case Sequential:
		rep, err = e.runSequential(ctx, sel)
	case LocalParallel:
		rep, err = e.runParallel(ctx, sel)
	default:
		return nil, fmt.Errorf("run: %w: %v (use RunOne)", ErrWrongMode, e.opts.Mode)
	}
	rep.Duration = time.Since(start)

	e.log.Info("sweep finished", map[string]interface{}{
		"succeeded": rep.Succeeded,
		"failed":    rep.Failed,
		"skipped":   rep.Skipped,
		"halted":    rep.Halted,
		"duration":  rep.Duration.Round(time.Millisecond).String(),
	})
	return rep, err
}

func (e *Engine) runSequential(ctx context.Context, sel space.Selector) (*Report, error) {
	rep := &Report{Mode: Sequential}
	for i, a := range e.space.Jobs(sel) {
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("sweep interrupted before job %d: %w", i, err)
		}
		o := e.execute(ctx, i, a)
		rep.add(o)
		if o.Err != nil && e.opts.HaltOnError {
			rep.Halted = true
			e.log.Warn("halting sweep after failed job", map[string]interface{}{"job": i})
			break
		}
	}
	return rep, nil
}

type job struct {
	index      int
	assignment space.Assignment
}

func (e *Engine) runParallel(ctx context.Context, sel space.Selector) (*Report, error) {
	rep := &Report{Mode: LocalParallel}

	// Unbuffered: the dispatcher blocks until a worker is free, so at most
	// Workers jobs are ever in flight.
	jobs := make(chan job)
	outcomes := make(chan Outcome)

	var wg sync.WaitGroup
	for w := 0; w < e.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				outcomes <- e.execute(ctx, j.index, j.assignment)
			}
		}()
	}

	var dispatchErr error
	go func() {
		defer close(jobs)
		for i, a := range e.space.Jobs(sel) {
			if err := ctx.Err(); err != nil {
				dispatchErr = fmt.Errorf("sweep interrupted before job %d: %w", i, err)
				return
			}
			select {
			case jobs <- job{index: i, assignment: a}:
			case <-ctx.Done():
				dispatchErr = fmt.Errorf("sweep interrupted before job %d: %w", i, ctx.Err())
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	for o := range outcomes {
		rep.add(o)
	}
	rep.sortOutcomes()
	// outcomes is closed only after jobs is closed and drained, so the
	// dispatcher has returned and dispatchErr is safe to read.
	return rep, dispatchErr
}

// RunOne runs a single job and persists its result. It is the unit of
// work of one array task and is idempotent: running it again for the same
// index replaces the record with an equivalent one.
func (e *Engine) RunOne(ctx context.Context, index int) (Outcome, error) {
	a, err := e.space.Decode(index)
	if err != nil {
		return Outcome{Index: index, Err: err}, err
	}
	o := e.execute(ctx, index, a)
	return o, o.Err
}

func (e *Engine) execute(ctx context.Context, index int, a space.Assignment) Outcome {
	o := Outcome{Index: index, Assignment: a}
	log := e.log.WithField("job", index)

	if e.opts.SkipCompleted {
		done, err := e.store.Exists(ctx, index)
		if err != nil {
			o.Err = fmt.Errorf("check %s: %w", store.RecordName(index), err)
			log.Error("result lookup failed", map[string]interface{}{"error": err.Error()})
			return o
		}
		if done {
			o.Skipped = true
			e.observer.TrialSkipped(index)
			log.Debug("job already completed, skipping")
			return o
		}
	}

	// A dispatched trial runs to completion; only the start may be delayed
	// by the rate limiter.
	runCtx := context.WithoutCancel(ctx)
	if e.limiter != nil {
		if err := e.limiter.Wait(runCtx); err != nil {
			o.Err = fmt.Errorf("job %d not started: %w", index, err)
			return o
		}
	}

	runCtx, span := e.tracer.Start(runCtx, "trial",
		trace.WithAttributes(
			attribute.Int("gridsweep.job.index", index),
			attribute.String("gridsweep.job.params", FormatAssignment(a)),
		))
	defer span.End()

	log.Debug("trial started", map[string]interface{}{"params": FormatAssignment(a)})
	e.observer.TrialStarted(index)
	start := time.Now()
	result, err := e.runTrial(runCtx, a)
	o.Duration = time.Since(start)

	if err != nil {
		o.Err = &TrialError{Index: index, Assignment: a, Err: err}
	} else if err = e.store.Put(runCtx, index, result); err != nil {
		o.Err = fmt.Errorf("persist %s: %w", store.RecordName(index), err)
	} else {
		o.Result = result
	}
	e.observer.TrialFinished(index, o.Duration, o.Err)

	fields := map[string]interface{}{
		"params":   FormatAssignment(a),
		"duration": o.Duration.Round(time.Millisecond).String(),
	}
	if o.Err != nil {
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, o.Err.Error())
		fields["error"] = o.Err.Error()
		log.Error("trial failed", fields)
	} else {
		span.SetStatus(codes.Ok, "")
		log.Info("trial completed", fields)
	}
	return o
}

// runTrial converts a panic in the trial into an error so one bad job
// cannot take its siblings down with it.
func (e *Engine) runTrial(ctx context.Context, a space.Assignment) (result store.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("trial panicked: %v", r)
		}
	}()
	return e.trial.Run(ctx, a.Clone())
}
