package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"text/template"

	"github.com/psantana5/gridsweep/pkg/logging"
	"github.com/psantana5/gridsweep/pkg/space"
	"github.com/psantana5/gridsweep/pkg/store"
)

// ErrNothingPending is returned when every job already has a record.
var ErrNothingPending = errors.New("all jobs are complete, nothing to submit")

// SubmissionError is returned when the scheduler rejects the array request
// or cannot be reached. Nothing is recorded locally, so retrying the
// submission is safe.
type SubmissionError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submission via %s failed: %v", e.Command, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Scheduler describes how one batch system is driven.
type Scheduler struct {
	Name            string
	DirectivePrefix string // e.g. "#PBS"
	WorkDirEnv      string // submit directory inside a task
	IndexEnv        string // array index inside a task
	Offset          int    // first array id minus job index 0
	Command         string // submit program
	ArrayFlag       string // flag carrying the array spec
	StdinArg        string // argument that makes Command read the script from stdin
}

var schedulers = map[string]Scheduler{
	"torque": {
		Name:            "torque",
		DirectivePrefix: "#PBS",
		WorkDirEnv:      "PBS_O_WORKDIR",
		IndexEnv:        "PBS_ARRAYID",
		Offset:          1,
		Command:         "qsub",
		ArrayFlag:       "-t",
		StdinArg:        "-",
	},
	"slurm": {
		Name:            "slurm",
		DirectivePrefix: "#SBATCH",
		WorkDirEnv:      "SLURM_SUBMIT_DIR",
		IndexEnv:        "SLURM_ARRAY_TASK_ID",
		Offset:          0,
		Command:         "sbatch",
		ArrayFlag:       "--array",
	},
}

// LookupScheduler returns the preset for a batch system name.
func LookupScheduler(name string) (Scheduler, error) {
	if name == "pbs" {
		name = "torque"
	}
	s, ok := schedulers[name]
	if !ok {
		return Scheduler{}, fmt.Errorf("unknown scheduler %q (want torque or slurm)", name)
	}
	return s, nil
}

// DefaultScript re-enters gridsweep in single-job mode with the array index
// the scheduler hands to each task.
const DefaultScript = `#!/bin/bash
{{- range .Directives}}
{{$.Scheduler.DirectivePrefix}} {{.}}
{{- end}}
cd {{if .WorkDir}}{{quote .WorkDir}}{{else}}"${{"{"}}{{.Scheduler.WorkDirEnv}}{{"}"}}"{{end}}
exec {{quote .Executable}}{{range .Args}} {{quote .}}{{end}} job --array-offset {{.Scheduler.Offset}} "${{"{"}}{{.Scheduler.IndexEnv}}{{"}"}}"
{{- if .TrialCommand}} --{{range .TrialCommand}} {{quote .}}{{end}}{{end}}
`

// Template holds everything needed to render the array job script.
type Template struct {
	Scheduler  Scheduler
	Script     string   // text/template source; DefaultScript when empty
	Executable string   // gridsweep binary as seen from the compute nodes
	Args       []string // global flags placed before the "job" subcommand
	WorkDir    string   // overrides the scheduler's submit-directory variable
	Directives []string // scheduler directives, one per line

	// TrialCommand is appended after "--" when the experiment program is
	// not part of the settings file.
	TrialCommand []string
}

// Submission is the single artifact handed to the scheduler.
type Submission struct {
	Ranges    []Range
	ArraySpec string
	Script    string
	Jobs      int
}

// BuildSubmission renders the job script for ranges.
func BuildSubmission(ranges []Range, tmpl Template) (*Submission, error) {
	if len(ranges) == 0 {
		return nil, ErrNothingPending
	}
	if tmpl.Executable == "" {
		return nil, fmt.Errorf("build submission: executable path is required")
	}
	src := tmpl.Script
	if src == "" {
		src = DefaultScript
	}
	t, err := template.New("job").Funcs(template.FuncMap{"quote": shellQuote}).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse job script template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, tmpl); err != nil {
		return nil, fmt.Errorf("render job script: %w", err)
	}
	return &Submission{
		Ranges:    ranges,
		ArraySpec: ArraySpec(ranges, tmpl.Scheduler.Offset),
		Script:    buf.String(),
		Jobs:      Count(ranges),
	}, nil
}

// shellQuote wraps s in single quotes unless it is plainly safe.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Submitter hands a submission to the scheduler's submit command.
type Submitter struct {
	Scheduler Scheduler
	// Command overrides Scheduler.Command, e.g. a wrapper script.
	Command string
	// ExtraArgs are placed before the array flag (queue, account, ...).
	ExtraArgs []string
	Logger    *logging.Logger
}

// Argv returns the submit command line for a submission.
func (s *Submitter) Argv(sub *Submission) (string, []string) {
	command := s.Command
	if command == "" {
		command = s.Scheduler.Command
	}
	args := append([]string(nil), s.ExtraArgs...)
	args = append(args, s.Scheduler.ArrayFlag, sub.ArraySpec)
	if s.Scheduler.StdinArg != "" {
		args = append(args, s.Scheduler.StdinArg)
	}
	return command, args
}

// Submit pipes the script to the submit command and returns its trimmed
// stdout, which is the scheduler's job id for qsub and sbatch.
func (s *Submitter) Submit(ctx context.Context, sub *Submission) (string, error) {
	command, args := s.Argv(sub)
	log := logging.OrDiscard(s.Logger)
	log.Info("submitting array job", map[string]interface{}{
		"command": command,
		"array":   sub.ArraySpec,
		"jobs":    sub.Jobs,
	})

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = strings.NewReader(sub.Script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &SubmissionError{Command: command, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	id := strings.TrimSpace(stdout.String())
	log.Info("array job accepted", map[string]interface{}{"scheduler_id": id})
	return id, nil
}

// Adapter computes the outstanding work of a sweep and submits it as one
// array job.
type Adapter struct {
	Space     *space.Space
	Store     store.Store
	Template  Template
	Submitter *Submitter
	Logger    *logging.Logger
	// Only, when set, limits the submission to pending jobs inside these
	// index ranges.
	Only []Range
}

// Receipt describes an accepted submission.
type Receipt struct {
	Submission  *Submission
	SchedulerID string
}

// Plan returns the submission for every job without a record.
func (a *Adapter) Plan(ctx context.Context) (*Submission, error) {
	mask, err := PendingMask(ctx, a.Space, a.Store)
	if err != nil {
		return nil, err
	}
	if len(a.Only) > 0 {
		if mask, err = Restrict(mask, a.Only); err != nil {
			return nil, err
		}
	}
	return BuildSubmission(ToRanges(mask), a.Template)
}

// Submit plans and submits. When the scheduler refuses, no partial request
// exists and the call can simply be repeated.
func (a *Adapter) Submit(ctx context.Context) (*Receipt, error) {
	sub, err := a.Plan(ctx)
	if err != nil {
		return nil, err
	}
	logging.OrDiscard(a.Logger).Info("pending jobs", map[string]interface{}{
		"pending": sub.Jobs,
		"total":   a.Space.Size(),
		"ranges":  len(sub.Ranges),
	})
	id, err := a.Submitter.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}
	return &Receipt{Submission: sub, SchedulerID: id}, nil
}
