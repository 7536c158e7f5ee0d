// Package job runs analysis workflows. A job resolves its parameters from
// the document store, runs an ordered list of stages against a private
// analysis directory and records every state transition. A failed or
// cancelled job removes its analysis directory and analysis document before
// it returns.
package job

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pathoscope/coverage"
	"github.com/grailbio/pathoscope/store"
	"github.com/grailbio/pathoscope/subprocess"
)

// Workflow names the stage list a job runs. It is stored in the "task" field
// of the job document.
type Workflow string

const (
	WorkflowPathoscope Workflow = "pathoscope_bowtie"
	WorkflowNuVs       Workflow = "nuvs"
	WorkflowAODP       Workflow = "aodp"
)

// checkDBStage is the name under which parameter loading is reported.
const checkDBStage = "check_db"

// Stage is one step of a workflow. Run reads the State fields filled by the
// earlier stages and sets its own.
type Stage struct {
	Name string
	Run  func(ctx context.Context, s *State) error
}

// Workflows maps a workflow to the constructor of its stages.
var Workflows = map[Workflow]func(env Env) []Stage{
	WorkflowPathoscope: pathoscopeStages,
}

// Env holds the collaborators shared by the jobs of a process.
type Env struct {
	Store  store.Store
	Runner subprocess.Runner
	// Coverage summarizes coverage profiles. It is shared between jobs.
	Coverage *coverage.Calculator
	// Sink receives status transitions. If nil, transitions are appended to
	// the job document in Store.
	Sink StatusSink
	Opts Opts
}

// Job is one run of a workflow.
type Job struct {
	ID       string
	Workflow Workflow
	// Stages are run in order. New sets them from Workflows.
	Stages []Stage

	env Env
}

// New creates a job running workflow w. It fails if w has no registered
// stages.
func New(id string, w Workflow, env Env) (*Job, error) {
	newStages, ok := Workflows[w]
	if !ok {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("job %s: workflow %q", id, w))
	}
	if env.Sink == nil {
		env.Sink = NewStoreSink(env.Store, id)
	}
	if env.Coverage == nil {
		env.Coverage = coverage.NewCalculator(1)
	}
	return &Job{ID: id, Workflow: w, Stages: newStages(env), env: env}, nil
}

// Run runs the job to completion. When a stage fails, or ctx is cancelled,
// Run removes the analysis directory and the analysis document, records the
// error and returns it. A job cancelled through a context whose cause is a
// *TerminationError is recorded as cancelled.
func (j *Job) Run(ctx context.Context) error {
	p, err := LoadParams(ctx, j.env.Store, j.ID, j.env.Opts)
	if err == nil && p.Workflow != j.Workflow {
		err = errors.E(errors.Invalid, fmt.Sprintf("job %s: document workflow %q does not match %q", j.ID, p.Workflow, j.Workflow))
	}
	if err != nil {
		return j.fail(ctx, checkDBStage, &State{Params: p}, err)
	}
	log.Printf("job %s: %s analysis %s of sample %s", j.ID, j.Workflow, p.AnalysisID, p.SampleID)

	if err = j.env.Store.SetReservation(ctx, j.ID, &store.Reservation{Proc: p.Proc, Mem: p.Mem}); err != nil {
		return j.fail(ctx, checkDBStage, &State{Params: p}, errors.E(err, "reserve resources"))
	}
	defer func() {
		if err := j.env.Store.SetReservation(context.WithoutCancel(ctx), j.ID, nil); err != nil {
			log.Error.Printf("job %s: release reservation: %v", j.ID, err)
		}
	}()

	st := &State{Params: p}
	n := float64(len(j.Stages))
	for i, stage := range j.Stages {
		if ctx.Err() != nil {
			return j.fail(ctx, stage.Name, st, ctx.Err())
		}
		j.record(ctx, stage.Name, StatusRunning, float64(i)/n, nil)
		log.Debug.Printf("job %s: stage %s", j.ID, stage.Name)
		if err = runStage(ctx, stage, st); err != nil {
			return j.fail(ctx, stage.Name, st, err)
		}
		st.Version++
	}
	j.record(ctx, j.lastStage(), StatusComplete, 1, nil)
	log.Printf("job %s: complete", j.ID)
	return nil
}

func runStage(ctx context.Context, stage Stage, st *State) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Stage: stage.Name, Value: v, Stack: debug.Stack()}
		}
	}()
	return stage.Run(ctx, st)
}

// fail runs the cleanup handler and records err as the terminal status.
func (j *Job) fail(ctx context.Context, stage string, st *State, err error) error {
	status := StatusError
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); IsTermination(cause) && !IsTermination(err) {
			err = cause
		}
		status = StatusCancelled
	} else if IsTermination(err) {
		status = StatusCancelled
	}
	rec := NewErrorRecord(err)
	log.Error.Printf("job %s: stage %s: %s: %v", j.ID, stage, status, err)

	ctx = context.WithoutCancel(ctx)
	j.cleanup(ctx, st)
	j.record(ctx, stage, status, float64(st.Version)/float64(len(j.Stages)), rec)
	return errors.E(err, fmt.Sprintf("job %s: stage %s", j.ID, stage))
}

// cleanup removes everything the job wrote. Errors are logged; the original
// failure is what the job reports.
func (j *Job) cleanup(ctx context.Context, st *State) {
	p := st.Params
	if p.AnalysisPath != "" {
		if err := os.RemoveAll(p.AnalysisPath); err != nil {
			log.Error.Printf("job %s: remove %s: %v", j.ID, p.AnalysisPath, err)
		}
	}
	if p.AnalysisID == "" {
		return
	}
	if err := j.env.Store.DeleteAnalysis(ctx, p.AnalysisID); err != nil {
		log.Error.Printf("job %s: delete analysis %s: %v", j.ID, p.AnalysisID, err)
	}
}

func (j *Job) record(ctx context.Context, stage string, status Status, progress float64, rec *store.ErrorRecord) {
	if err := j.env.Sink.RecordTransition(ctx, stage, status, progress, rec); err != nil {
		log.Error.Printf("job %s: record %s status: %v", j.ID, status, err)
	}
}

func (j *Job) lastStage() string {
	if len(j.Stages) == 0 {
		return checkDBStage
	}
	return j.Stages[len(j.Stages)-1].Name
}
