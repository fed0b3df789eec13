package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/gridsweep/pkg/batch"
	"github.com/psantana5/gridsweep/pkg/config"
)

var (
	submitDryRun bool
	submitArgs   []string
	submitJobs   string
)

var submitCmd = &cobra.Command{
	Use:   "submit [flags] [-- program args...]",
	Short: "Submit every job without a result as one array job",
	Long: `Compares the grid against the result store, collapses the jobs that have
no result into contiguous ranges and submits them as a single array job. Each
array task re-enters "gridsweep job" with its own array id.

Submitting again after a partial run only resubmits the missing jobs. If the
scheduler rejects the submission nothing is recorded, so it can simply be
retried.`,
	Example: `  gridsweep submit --grid grid.yaml -- python3 train.py
  gridsweep submit --scheduler slurm --submit-arg=--partition=short --dry-run`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	f := submitCmd.Flags()
	f.String("submit-cmd", "", "submit program (default qsub or sbatch)")
	f.StringArrayVar(&submitArgs, "submit-arg", nil, "extra argument for the submit program (repeatable)")
	f.String("executable", "", "gridsweep binary as seen from the compute nodes (default: this binary)")
	f.String("workdir", "", "directory each task changes into (default: the submit directory)")
	f.String("script", "", "job script template file (Go text/template)")
	f.StringVar(&submitJobs, "jobs", "", "only submit pending jobs in these index ranges, e.g. 0-99,150")
	f.BoolVar(&submitDryRun, "dry-run", false, "print the array spec and job script instead of submitting")

	submitCmd.PreRunE = bindFlags(map[string]string{
		"batch.command":    "submit-cmd",
		"batch.executable": "executable",
		"batch.workdir":    "workdir",
		"batch.script":     "script",
	})
}

// directives turns grid options into scheduler directives.
func directives(sched batch.Scheduler, opts config.Options) ([]string, error) {
	limits, err := opts.ResourceLimits()
	if err != nil {
		return nil, err
	}
	raw, err := opts.Directives()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, l := range limits {
		if sched.Name == "torque" {
			l = "-l " + l
		}
		out = append(out, l)
	}
	return append(out, raw...), nil
}

// storeDSNEnv carries the database DSN to array tasks. The DSN may hold a
// password, so it never appears in the job script.
const storeDSNEnv = "GRIDSWEEP_STORE_DSN"

// dsnDirectives returns the directives that forward storeDSNEnv from the
// submitting environment to every array task. Slurm forwards the whole
// environment by default; TORQUE has to be told.
func dsnDirectives(sched batch.Scheduler, dsn string) []string {
	if dsn == "" || sched.Name != "torque" {
		return nil
	}
	return []string{"-v " + storeDSNEnv}
}

// jobArgs returns the global flags that let an array task find the same
// grid, store and settings as this invocation.
func jobArgs(sess *session) []string {
	s := sess.settings
	args := []string{
		"--grid", absPath(s.Grid),
		"--store-type", s.Store.Type,
		"--log-level", s.Log.Level,
	}
	switch s.Store.Type {
	case "file", "", "sqlite", "sqlite3":
		args = append(args, "--store-path", absPath(s.Store.Path))
	}
	if s.Log.Dir != "" {
		args = append(args, "--log-dir", absPath(s.Log.Dir))
	}
	if s.Log.JSON {
		args = append(args, "--log-json")
	}
	if f := settingsFile(); f != "" {
		args = append(args, "--settings", absPath(f))
	}
	return args
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if dash := cmd.ArgsLenAtDash(); dash > 0 {
		return fmt.Errorf("unexpected arguments before --")
	}

	sess, err := openSession()
	if err != nil {
		return err
	}
	defer sess.close()

	bs := sess.settings.Batch
	sched, err := batch.LookupScheduler(bs.Scheduler)
	if err != nil {
		return err
	}
	dirs, err := directives(sched, sess.grid.Options)
	if err != nil {
		return err
	}
	if dsn := sess.settings.Store.DSN; dsn != "" {
		if err := os.Setenv(storeDSNEnv, dsn); err != nil {
			return fmt.Errorf("export store DSN: %w", err)
		}
		dirs = append(dirs, dsnDirectives(sched, dsn)...)
	}

	exe := bs.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locate gridsweep binary: %w (set --executable)", err)
		}
	}
	tmpl := batch.Template{
		Scheduler:  sched,
		Executable: exe,
		Args:       append(jobArgs(sess), "--scheduler", sched.Name, "--reducer", sess.settings.Trial.Reducer),
		WorkDir:    absPath(bs.WorkDir),
		Directives: dirs,
	}
	if bs.Script != "" {
		data, err := os.ReadFile(bs.Script)
		if err != nil {
			return fmt.Errorf("read job script template: %w", err)
		}
		tmpl.Script = string(data)
	}
	if len(args) > 0 {
		tmpl.TrialCommand = args
	} else if len(sess.settings.Trial.Command) == 0 {
		return fmt.Errorf("no experiment program given; pass it after -- or set trial.command")
	}

	var only []batch.Range
	if submitJobs != "" {
		if only, err = batch.ParseArraySpec(submitJobs, 0); err != nil {
			return fmt.Errorf("--jobs: %w", err)
		}
	}

	adapter := &batch.Adapter{
		Space:    sess.space,
		Store:    sess.store,
		Template: tmpl,
		Submitter: &batch.Submitter{
			Scheduler: sched,
			Command:   bs.Command,
			ExtraArgs: append(append([]string(nil), bs.Args...), submitArgs...),
			Logger:    sess.log,
		},
		Logger: sess.log,
		Only:   only,
	}

	ctx := context.Background()
	if submitDryRun {
		sub, err := adapter.Plan(ctx)
		if err != nil {
			return nothingPending(err)
		}
		command, argv := adapter.Submitter.Argv(sub)
		fmt.Printf("# %d jobs: %s %v\n", sub.Jobs, command, argv)
		fmt.Print(sub.Script)
		return nil
	}

	receipt, err := adapter.Submit(ctx)
	if err != nil {
		return nothingPending(err)
	}
	fmt.Printf("Submitted %d jobs (array %s) as %s\n",
		receipt.Submission.Jobs, receipt.Submission.ArraySpec, receipt.SchedulerID)
	return nil
}

// nothingPending turns ErrNothingPending into a friendly message.
func nothingPending(err error) error {
	if errors.Is(err, batch.ErrNothingPending) {
		fmt.Println("All jobs are complete; run \"gridsweep gather\" to write the results file.")
		return nil
	}
	return err
}
