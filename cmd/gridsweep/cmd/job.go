package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/psantana5/gridsweep/pkg/batch"
	"github.com/psantana5/gridsweep/pkg/engine"
	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/tracing"
)

var (
	jobArrayOffset int
	jobIndexEnv    string
	jobParams      []string
)

var jobCmd = &cobra.Command{
	Use:   "job [array-id] [-- program args...]",
	Short: "Run a single job, as one task of an array submission",
	Long: `Runs exactly one job of the grid and stores its result. The job is chosen
by the array id given as argument, or read from the scheduler's environment
variable (PBS_ARRAYID on TORQUE, SLURM_ARRAY_TASK_ID on Slurm). The job index
is the array id minus --array-offset. Alternatively --params names the job by
its full parameter assignment, e.g. to re-run one failed combination by hand.

Running the same job twice replaces its record with an equivalent one.`,
	RunE: runJob,
}

func init() {
	rootCmd.AddCommand(jobCmd)

	f := jobCmd.Flags()
	f.IntVar(&jobArrayOffset, "array-offset", 0, "array id of job index 0")
	f.StringVar(&jobIndexEnv, "index-env", "", "environment variable holding the array id (default from --scheduler)")
	f.StringArrayVar(&jobParams, "params", nil, "choose the job by its parameters instead of an array id, name=value (repeatable)")
}

// paramsIndex returns the index of the job whose assignment is given as
// name=value pairs. Every parameter of the grid must be named.
func paramsIndex(sp *space.Space, pairs []string) (int, error) {
	sel, err := parseWhere(pairs)
	if err != nil {
		return 0, err
	}
	match, ok := sel.(space.ExactMatch)
	if !ok {
		return 0, fmt.Errorf("--params needs at least one name=value pair")
	}
	return sp.Encode(space.Assignment(match))
}

// arrayID returns the array id from the positional argument or the
// scheduler's environment variable.
func arrayID(arg, envName string) (int, error) {
	raw, source := arg, "argument"
	if raw == "" {
		raw, source = os.Getenv(envName), "$"+envName
		if raw == "" {
			return 0, fmt.Errorf("no array id given and %s is not set", envName)
		}
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid array id %q from %s: %w", raw, source, err)
	}
	return id, nil
}

func jobIndex(sess *session, positional []string) (int, error) {
	if len(jobParams) > 0 {
		if len(positional) > 0 {
			return 0, fmt.Errorf("give either an array id or --params, not both")
		}
		return paramsIndex(sess.space, jobParams)
	}
	sched, err := batch.LookupScheduler(sess.settings.Batch.Scheduler)
	if err != nil {
		return 0, err
	}
	envName := jobIndexEnv
	if envName == "" {
		envName = sched.IndexEnv
	}
	arg := ""
	if len(positional) == 1 {
		arg = positional[0]
	}
	id, err := arrayID(arg, envName)
	if err != nil {
		return 0, err
	}
	return id - jobArrayOffset, nil
}

func runJob(cmd *cobra.Command, args []string) error {
	positional, program := args, []string(nil)
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		positional, program = args[:dash], args[dash:]
	}
	if len(positional) > 1 {
		return fmt.Errorf("job takes at most one array id, got %d arguments", len(positional))
	}

	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.close()

	index, err := jobIndex(sess, positional)
	if err != nil {
		return err
	}

	tr, err := trialCommand(sess, program)
	if err != nil {
		return err
	}

	log := sess.log.WithField("job", index)
	ctx := context.Background()
	tp, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "gridsweep",
		ServiceVersion: Version,
		Environment:    sess.settings.Trace.Environment,
		OTLPEndpoint:   sess.settings.Trace.Endpoint,
		Enabled:        sess.settings.Trace.Enabled,
	}, log)
	if err != nil {
		return err
	}
	sess.shutdown.Register("tracing", tp.Shutdown)

	eng, err := engine.New(sess.space, sess.store, tr, engine.Options{
		Mode:   engine.DistributedJob,
		Logger: sess.log,
		Tracer: tp.Tracer(),
	})
	if err != nil {
		return err
	}
	if _, err := eng.RunOne(ctx, index); err != nil {
		return err
	}
	return nil
}
