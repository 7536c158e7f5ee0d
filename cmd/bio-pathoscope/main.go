package main

/*
bio-pathoscope runs Pathoscope analysis jobs. A job reads its parameters from
a document store, maps the sample reads against a reference index with
bowtie2, removes host reads, reassigns ambiguous alignments with the
Pathoscope EM and stores the diagnosis.

The em and coverage subcommands rerun the analysis steps on an existing
alignment (VTA) file.
*/

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/uuid"
	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/pathoscope/coverage"
	"github.com/grailbio/pathoscope/job"
	"github.com/grailbio/pathoscope/store"
	"github.com/grailbio/pathoscope/subprocess"
	"golang.org/x/sys/unix"
	"v.io/x/lib/cmdline"
)

// withTermination returns a context that is cancelled with a
// *job.TerminationError when the process receives SIGTERM or SIGINT.
func withTermination(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	go func() {
		select {
		case sig := <-sigs:
			log.Printf("received %v, cancelling", sig)
			cancel(&job.TerminationError{Signal: sig})
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel(nil)
	}
}

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "run",
		Short:    "Run an analysis job",
		ArgsName: "jobid",
	}
	var (
		storeDir    = cmd.Flags.String("store", "", "Document store directory")
		dataPath    = cmd.Flags.String("data", job.DefaultOpts.DataPath, "Root of the sample, reference and subtraction data")
		maxDocBytes = cmd.Flags.Int("max-document-bytes", job.DefaultOpts.MaxDocumentBytes, "Results larger than this are written to results.json in the analysis directory")
		parallelism = cmd.Flags.Int("parallelism", runtime.NumCPU(), "Number of coverage workers")
		em          = newEMFlags(&cmd.Flags)
	)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("run takes one job id, but got %v", argv)
		}
		if *storeDir == "" {
			return fmt.Errorf("-store is required")
		}
		s, err := store.NewDir(*storeDir)
		if err != nil {
			return err
		}
		opts := job.DefaultOpts
		opts.DataPath = *dataPath
		opts.MaxDocumentBytes = *maxDocBytes
		opts.Pathoscope = em.opts()

		ctx, cancel := withTermination(vcontext.Background())
		defer cancel()
		return runJob(ctx, s, argv[0], job.Env{
			Store:    s,
			Runner:   subprocess.NewRunner(),
			Coverage: coverage.NewCalculator(*parallelism),
			Opts:     opts,
		})
	})
	return cmd
}

func runJob(ctx context.Context, s store.Store, jobID string, env job.Env) error {
	doc, err := s.Job(ctx, jobID)
	if err != nil {
		return err
	}
	j, err := job.New(jobID, job.Workflow(doc.Workflow), env)
	if err != nil {
		return err
	}
	return j.Run(ctx)
}

func newCmdSubmit() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "submit",
		Short: "Create an analysis and a Pathoscope job for a sample",
		Long: `
Submit creates an analysis document and a job document in the store, and
prints the id of the job. Ids are random UUIDs.`,
	}
	var (
		storeDir    = cmd.Flags.String("store", "", "Document store directory")
		sampleID    = cmd.Flags.String("sample", "", "Sample id")
		indexID     = cmd.Flags.String("index", "", "Reference index id")
		refID       = cmd.Flags.String("ref", "", "Reference id")
		subtraction = cmd.Flags.String("subtraction", "", "Host subtraction id; empty for none")
		proc        = cmd.Flags.Int("proc", runtime.NumCPU(), "Number of CPUs the job may use")
		mem         = cmd.Flags.Int("mem", 8, "Memory (GiB) the job may use")
	)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return fmt.Errorf("submit takes no arguments, but got %v", argv)
		}
		if *storeDir == "" {
			return fmt.Errorf("-store is required")
		}
		s, err := store.NewDir(*storeDir)
		if err != nil {
			return err
		}
		jobID, err := submit(vcontext.Background(), s, store.JobArgs{
			SampleID:      *sampleID,
			IndexID:       *indexID,
			RefID:         *refID,
			SubtractionID: *subtraction,
		}, *proc, *mem)
		if err != nil {
			return err
		}
		fmt.Fprintln(env.Stdout, jobID)
		return nil
	})
	return cmd
}

// submit stores a new analysis and the job that fills it in.
func submit(ctx context.Context, s *store.DocStore, args store.JobArgs, proc, mem int) (string, error) {
	args.AnalysisID = uuid.New().String()
	jobID := uuid.New().String()
	if err := s.PutAnalysis(ctx, &store.Analysis{
		ID:            args.AnalysisID,
		SampleID:      args.SampleID,
		IndexID:       args.IndexID,
		RefID:         args.RefID,
		SubtractionID: args.SubtractionID,
		Workflow:      string(job.WorkflowPathoscope),
	}); err != nil {
		return "", err
	}
	if err := s.PutJob(ctx, &store.Job{
		ID:       jobID,
		Workflow: string(job.WorkflowPathoscope),
		Args:     args,
		Proc:     proc,
		Mem:      mem,
		Status: []store.Status{{
			State: string(job.StatusWaiting),
		}},
	}); err != nil {
		return "", err
	}
	log.Printf("submitted job %s for analysis %s of sample %s", jobID, args.AnalysisID, args.SampleID)
	return jobID, nil
}

func main() {
	shutdown := grail.Init()
	defer shutdown()
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:     "bio-pathoscope",
		Short:    "Pathoscope analysis of sequenced samples",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdRun(),
			newCmdSubmit(),
			newCmdEM(),
			newCmdCoverage(),
		},
	})
}
