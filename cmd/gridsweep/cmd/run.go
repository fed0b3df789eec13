package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/gridsweep/internal/report"
	"github.com/psantana5/gridsweep/pkg/engine"
	"github.com/psantana5/gridsweep/pkg/gather"
	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/tracing"
	"github.com/psantana5/gridsweep/pkg/trial"
)

var (
	runWhere      []string
	runSequential bool
	runMode       string
	runNoGather   bool
)

var runCmd = &cobra.Command{
	Use:   "run [flags] [-- program args...]",
	Short: "Run the sweep on this machine",
	Long: `Runs every job of the grid (or those matching --where) on a pool of local
workers and stores each result as it completes. Failed trials do not stop the
sweep; they are reported at the end and can be re-run with --skip-completed.
When every job has a result, the consolidated results file is written.

The experiment program is given after "--" or as trial.command in the
settings file. It receives one "--<name> <value>" flag per parameter and
prints a whitespace-separated numeric matrix on stdout.`,
	Example: `  gridsweep run --grid grid.yaml --workers 8 -- python3 train.py
  gridsweep run --where baseline=zero --reducer summary -- ./experiment`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.IntP("workers", "w", 0, "number of parallel workers (default: logical CPUs)")
	f.BoolVar(&runSequential, "sequential", false, "run jobs one after another in index order (same as --mode sequential)")
	f.StringVar(&runMode, "mode", "", "execution mode: sequential or local-parallel (default local-parallel)")
	f.Bool("halt-on-error", false, "stop a sequential run at the first failed job")
	f.Bool("skip-completed", false, "skip jobs that already have a result")
	f.Float64("start-rate", 0, "maximum trial starts per second (0 = unlimited)")
	f.StringArrayVar(&runWhere, "where", nil, "only run jobs whose parameter equals a value, name=value (repeatable)")
	f.String("listen", "", "serve /metrics, /progress and /failures on this address")
	f.String("metrics-file", "", "write Prometheus text metrics to this file when done")
	f.BoolVar(&runNoGather, "no-gather", false, "do not write the results file after the run")
	f.Bool("tracing", false, "export one span per trial over OTLP/HTTP")
	f.String("tracing-endpoint", "localhost:4318", "OTLP/HTTP collector address")

	runCmd.PreRunE = bindFlags(map[string]string{
		"workers":             "workers",
		"halt_on_error":       "halt-on-error",
		"skip_completed":      "skip-completed",
		"start_rate":          "start-rate",
		"report.listen":       "listen",
		"report.metrics_file": "metrics-file",
		"tracing.enabled":     "tracing",
		"tracing.endpoint":    "tracing-endpoint",
	})
}

// parseWhere turns name=value pairs into an exact-match selector. Values
// are read as YAML scalars so "lr=0.1" matches the number 0.1.
func parseWhere(pairs []string) (space.Selector, error) {
	if len(pairs) == 0 {
		return space.All, nil
	}
	sel := space.ExactMatch{}
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, want name=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		sel[name] = v
	}
	return sel, nil
}

// trialCommand builds the experiment program from the arguments after "--"
// or, when there are none, from the settings.
func trialCommand(sess *session, argv []string) (*trial.Command, error) {
	if len(argv) == 0 {
		argv = sess.settings.Trial.Command
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("no experiment program given; pass it after -- or set trial.command")
	}
	reducer, err := trial.ParseReducer(sess.settings.Trial.Reducer)
	if err != nil {
		return nil, err
	}
	return &trial.Command{
		Path:    argv[0],
		Args:    argv[1:],
		Dir:     sess.settings.Trial.Dir,
		Reducer: reducer,
	}, nil
}

// sweepMode picks the execution mode from --mode and --sequential.
func sweepMode(name string, sequential bool) (engine.Mode, error) {
	mode := engine.LocalParallel
	if name != "" {
		m, err := engine.ParseMode(name)
		if err != nil {
			return 0, err
		}
		mode = m
	}
	if sequential {
		if name != "" && mode != engine.Sequential {
			return 0, fmt.Errorf("--sequential conflicts with --mode %s", name)
		}
		mode = engine.Sequential
	}
	if mode == engine.DistributedJob {
		return 0, fmt.Errorf("mode %s runs a single array task; use \"gridsweep job\"", mode)
	}
	return mode, nil
}

func defaultWorkers() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return 1
}

func runRun(cmd *cobra.Command, args []string) error {
	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.close()

	if dash := cmd.ArgsLenAtDash(); dash > 0 {
		return fmt.Errorf("unexpected arguments before --: %s", strings.Join(args[:dash], " "))
	}
	tr, err := trialCommand(sess, args)
	if err != nil {
		return err
	}
	sel, err := parseWhere(runWhere)
	if err != nil {
		return err
	}

	mode, err := sweepMode(runMode, runSequential)
	if err != nil {
		return err
	}

	settings := sess.settings
	runID := uuid.New().String()
	log := sess.log.WithField("run_id", runID)

	opts := engine.Options{
		Mode:          mode,
		Workers:       settings.Workers,
		HaltOnError:   settings.HaltOnError,
		SkipCompleted: settings.SkipCompleted,
		StartRate:     settings.StartRate,
		Logger:        log,
	}
	if opts.Mode == engine.LocalParallel && opts.Workers == 0 {
		opts.Workers = defaultWorkers()
	}
	if opts.HaltOnError && opts.Mode != engine.Sequential {
		log.Warn("--halt-on-error only applies to sequential runs; parallel runs continue past failures")
	}

	selected := len(sess.space.Indices(sel))
	if selected == 0 {
		return fmt.Errorf("no job matches %s", strings.Join(runWhere, ", "))
	}

	fields := map[string]interface{}{
		"jobs":    selected,
		"total":   sess.space.Size(),
		"mode":    opts.Mode.String(),
		"workers": opts.Workers,
		"program": tr.Path,
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["mem_available_mb"] = vm.Available / (1024 * 1024)
	}
	log.Info("starting sweep", fields)

	ctx, stop := sess.shutdown.NotifyContext(context.Background())
	defer stop()

	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "gridsweep",
		ServiceVersion: Version,
		Environment:    settings.Trace.Environment,
		OTLPEndpoint:   settings.Trace.Endpoint,
		Enabled:        settings.Trace.Enabled,
		RunID:          runID,
	}, log)
	if err != nil {
		return err
	}
	sess.shutdown.Register("tracing", tp.Shutdown)
	opts.Tracer = tp.Tracer()

	metrics := report.NewMetrics(runID, selected)
	opts.Observer = metrics
	if settings.Report.Listen != "" {
		srv, err := report.Serve(settings.Report.Listen, metrics, log)
		if err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		sess.shutdown.Register("status server", srv.Shutdown)
	}
	if path := settings.Report.MetricsFile; path != "" {
		sess.shutdown.Register("metrics file", func(context.Context) error {
			return metrics.WriteTextfile(path)
		})
	}

	eng, err := engine.New(sess.space, sess.store, tr, opts)
	if err != nil {
		return err
	}
	start := time.Now()
	rep, runErr := eng.Run(ctx, sel)
	printRunReport(rep, time.Since(start))
	if runErr != nil {
		return runErr
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d trials failed", rep.Failed, len(rep.Outcomes))
	}

	if runNoGather {
		return nil
	}
	if _, err := gather.Run(ctx, sess.space, sess.store, settings.Results); err != nil {
		var inc *gather.IncompleteError
		if errors.As(err, &inc) {
			// A filtered run leaves other jobs pending; that is not a failure.
			log.Info("results file not written", map[string]interface{}{"missing": len(inc.Missing)})
			return nil
		}
		return err
	}
	log.Info("results gathered", map[string]interface{}{"path": settings.Results})
	return nil
}

func printRunReport(rep *engine.Report, elapsed time.Duration) {
	if rep == nil {
		return
	}
	fmt.Fprintf(os.Stdout, "%d succeeded, %d failed, %d skipped in %s\n",
		rep.Succeeded, rep.Failed, rep.Skipped, elapsed.Round(time.Millisecond))
	for _, o := range rep.Failures() {
		fmt.Fprintf(os.Stdout, "  job %d: %v\n", o.Index, o.Err)
	}
}

// settingsFile returns the settings file in use, if any.
func settingsFile() string {
	return viper.ConfigFileUsed()
}
