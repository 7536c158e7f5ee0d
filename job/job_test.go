package job_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pathoscope/coverage"
	"github.com/grailbio/pathoscope/encoding/vta"
	"github.com/grailbio/pathoscope/job"
	"github.com/grailbio/pathoscope/store"
	"github.com/grailbio/pathoscope/subprocess"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const readSeq = "ACGTACGTAC"

// samLine returns a mapped SAM line for a 10 base read. Its score is as+10.
func samLine(read, ref string, pos, as int) string {
	return strings.Join([]string{
		read, "0", ref, fmt.Sprint(pos), "255", "10M", "*", "0", "0",
		readSeq, "IIIIIIIIII", fmt.Sprintf("AS:i:%d", as),
	}, "\t")
}

// fakeRunner stands in for bowtie2. It replays canned SAM output for each
// kind of mapping and creates the files bowtie2 would.
type fakeRunner struct {
	defaultSAM, isolateSAM, subtractionSAM []string
	cmds                                   [][]string
}

func argAfter(args []string, flag string) (string, bool) {
	for i, a := range args[:len(args)-1] {
		if a == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func (f *fakeRunner) Run(ctx context.Context, c subprocess.Command) error {
	f.cmds = append(f.cmds, c.Args)
	var lines []string
	switch {
	case c.Args[0] == "bowtie2-build":
		prefix := c.Args[len(c.Args)-1]
		for _, suffix := range []string{".1.bt2", ".rev.1.bt2"} {
			if err := ioutil.WriteFile(prefix+suffix, []byte("index"), 0644); err != nil {
				return err
			}
		}
		return nil
	case c.Args[0] != "bowtie2":
		return fmt.Errorf("unexpected command %v", c.Args)
	default:
		if mapped, ok := argAfter(c.Args, "--al"); ok {
			if err := ioutil.WriteFile(mapped, []byte("@r1\nACGT\n+\nIIII\n"), 0644); err != nil {
				return err
			}
			lines = f.isolateSAM
		} else if _, ok := argAfter(c.Args, "--no-unal"); ok {
			lines = f.defaultSAM
		} else {
			lines = f.subtractionSAM
		}
	}
	for _, line := range append([]string{"@HD\tVN:1.0"}, lines...) {
		if err := c.Stdout([]byte(line)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRunner) ran(name string) int {
	n := 0
	for _, args := range f.cmds {
		if args[0] == name {
			n++
		}
	}
	return n
}

type fixture struct {
	ctx      context.Context
	store    *store.DocStore
	runner   *fakeRunner
	opts     job.Opts
	analysis string
}

func newFixture(t *testing.T, dataPath string) *fixture {
	f := &fixture{
		ctx:   context.Background(),
		store: store.NewMemory(),
		runner: &fakeRunner{
			defaultSAM: []string{
				samLine("r1", "seqA", 1, 20),
				samLine("r2", "seqB", 1, 20),
				samLine("r3", "seqA", 11, 20),
			},
			isolateSAM: []string{
				samLine("r1", "seqA", 1, 20),
				samLine("r2", "seqB", 1, 20),
				samLine("r3", "seqA", 11, 20),
				samLine("r3", "seqB", 11, 10),
				samLine("r4", "seqA", 21, 20),
			},
			subtractionSAM: []string{
				samLine("r1", "chr1", 100, 10),
				samLine("r4", "chr1", 100, 25),
				samLine("r4", "chr2", 100, 30),
			},
		},
		opts:     job.DefaultOpts,
		analysis: filepath.Join(dataPath, "samples", "s1", "analysis", "a1"),
	}
	f.opts.DataPath = dataPath

	var fq strings.Builder
	for i := 1; i <= 4; i++ {
		fmt.Fprintf(&fq, "@r%d\n%s\n+\nIIIIIIIIII\n", i, readSeq)
	}
	sampleDir := filepath.Join(dataPath, "samples", "s1")
	require.NoError(t, os.MkdirAll(sampleDir, 0755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(sampleDir, "reads.fq"), []byte(fq.String()), 0644))

	ctx, s := f.ctx, f.store
	require.NoError(t, s.PutSample(ctx, &store.Sample{ID: "s1", Files: []string{"reads.fq"}}))
	require.NoError(t, s.PutIndex(ctx, &store.Index{
		ID:             "idx1",
		RefID:          "ref1",
		Manifest:       map[string]int{"otu1": 2, "otu2": 1},
		SequenceOTUMap: map[string]string{"seqA": "otu1", "seqB": "otu2"},
	}))
	require.NoError(t, s.PutOTU(ctx, &store.OTU{ID: "otu1", Version: 2, Isolates: []store.Isolate{
		{ID: "iso1", Default: true, Sequences: []store.Sequence{{ID: "seqA", Sequence: strings.Repeat("A", 40)}}},
	}}))
	require.NoError(t, s.PutOTU(ctx, &store.OTU{ID: "otu2", Version: 1, Isolates: []store.Isolate{
		{ID: "iso2", Default: true, Sequences: []store.Sequence{{ID: "seqB", Sequence: strings.Repeat("C", 40)}}},
	}}))
	require.NoError(t, s.PutSubtraction(ctx, &store.Subtraction{ID: "host", Path: "/refs/host"}))
	require.NoError(t, s.PutAnalysis(ctx, &store.Analysis{ID: "a1", SampleID: "s1", IndexID: "idx1", RefID: "ref1",
		Workflow: string(job.WorkflowPathoscope)}))
	require.NoError(t, s.PutJob(ctx, &store.Job{
		ID:       "job1",
		Workflow: string(job.WorkflowPathoscope),
		Args: store.JobArgs{
			SampleID: "s1", AnalysisID: "a1", IndexID: "idx1", RefID: "ref1", SubtractionID: "host",
		},
		Proc: 2,
		Mem:  4,
	}))
	return f
}

func (f *fixture) newJob(t *testing.T) *job.Job {
	j, err := job.New("job1", job.WorkflowPathoscope, job.Env{
		Store:    f.store,
		Runner:   f.runner,
		Coverage: coverage.NewCalculator(2),
		Opts:     f.opts,
	})
	require.NoError(t, err)
	return j
}

func (f *fixture) lastStatus(t *testing.T) store.Status {
	doc, err := f.store.Job(f.ctx, "job1")
	require.NoError(t, err)
	require.NotEmpty(t, doc.Status)
	assert.Nil(t, doc.Reserved)
	return doc.Status[len(doc.Status)-1]
}

func replaceStage(t *testing.T, j *job.Job, name string, run func(context.Context, *job.State) error) {
	for i := range j.Stages {
		if j.Stages[i].Name == name {
			j.Stages[i].Run = run
			return
		}
	}
	t.Fatalf("no stage %s", name)
}

func TestRunPathoscope(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	j := f.newJob(t)
	require.NoError(t, j.Run(f.ctx))

	st := f.lastStatus(t)
	assert.Equal(t, "complete", st.State)
	assert.Equal(t, 1.0, st.Progress)
	doc, err := f.store.Job(f.ctx, "job1")
	require.NoError(t, err)
	assert.Len(t, doc.Status, len(j.Stages)+1)
	assert.Equal(t, "make_analysis_dir", doc.Status[0].Stage)

	smp, err := f.store.Sample(f.ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, smp.Quality)
	assert.Equal(t, 4, smp.Quality.Count)

	a, err := f.store.Analysis(f.ctx, "a1")
	require.NoError(t, err)
	assert.True(t, a.Ready)
	var res job.AnalysisResult
	require.NoError(t, json.Unmarshal(a.Results, &res))
	assert.True(t, res.Ready)
	assert.Equal(t, 3, res.ReadCount)
	assert.Equal(t, 1, res.SubtractedCount)
	require.Len(t, res.Diagnosis, 2)

	hitA, hitB := res.Diagnosis[0], res.Diagnosis[1]
	assert.Equal(t, "seqA", hitA.ID)
	assert.Equal(t, job.OTURef{ID: "otu1", Version: 2}, hitA.OTU)
	assert.Equal(t, 40, hitA.Length)
	assert.InDelta(t, 2.0/3, hitA.Pi, 1e-6)
	assert.Equal(t, 2, hitA.BestHitFinal)
	assert.Equal(t, 0.5, hitA.Coverage)
	assert.Equal(t, 1, hitA.Depth)
	assert.Equal(t, []coverage.Coordinate{{Pos: 0, Depth: 1}, {Pos: 20, Depth: 0}}, hitA.Align)

	assert.Equal(t, "seqB", hitB.ID)
	assert.Equal(t, job.OTURef{ID: "otu2", Version: 1}, hitB.OTU)
	assert.InDelta(t, 1.0/3, hitB.Pi, 1e-6)
	assert.Equal(t, 0.25, hitB.Coverage)
	assert.Equal(t, 0, hitB.Depth)

	// r4 aligned better to the host and is gone.
	var reads []string
	require.NoError(t, vta.ReadFile(f.ctx, filepath.Join(f.analysis, "to_isolates.vta"), func(r vta.Record) error {
		reads = append(reads, r.ReadID)
		return nil
	}))
	assert.Equal(t, []string{"r1", "r2", "r3", "r3"}, reads)

	for _, name := range []string{"reads_1.fq.gz", "to_isolates.vta", "reassigned.vta", "report.tsv"} {
		_, err := os.Stat(filepath.Join(f.analysis, name))
		assert.NoError(t, err, name)
	}
	for _, name := range []string{"isolates.1.bt2", "isolates.rev.1.bt2", "isolate_index.fa", "isolate_index.fa.fai"} {
		_, err := os.Stat(filepath.Join(f.analysis, name))
		assert.True(t, os.IsNotExist(err), name)
	}
	assert.Equal(t, 1, f.runner.ran("bowtie2-build"))
	assert.Equal(t, 3, f.runner.ran("bowtie2"))
}

func TestRunNoCandidates(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	f.runner.defaultSAM = nil
	require.NoError(t, f.newJob(t).Run(f.ctx))

	assert.Equal(t, 0, f.runner.ran("bowtie2-build"))
	assert.Equal(t, 1, f.runner.ran("bowtie2"))
	a, err := f.store.Analysis(f.ctx, "a1")
	require.NoError(t, err)
	var res job.AnalysisResult
	require.NoError(t, json.Unmarshal(a.Results, &res))
	assert.True(t, res.Ready)
	assert.Empty(t, res.Diagnosis)
	assert.Equal(t, 0, res.ReadCount)
}

func TestRunSpillsLargeResults(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	f.opts.MaxDocumentBytes = 64
	require.NoError(t, f.newJob(t).Run(f.ctx))

	a, err := f.store.Analysis(f.ctx, "a1")
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(a.Results, &doc))
	assert.Equal(t, "file", doc["diagnosis"])
	assert.Equal(t, true, doc["ready"])

	data, err := ioutil.ReadFile(filepath.Join(f.analysis, "results.json"))
	require.NoError(t, err)
	var res job.AnalysisResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Len(t, res.Diagnosis, 2)
}

func TestRunCleansUpOnError(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	j := f.newJob(t)
	replaceStage(t, j, "pathoscope", func(ctx context.Context, st *job.State) error {
		if err := ioutil.WriteFile(filepath.Join(st.Params.AnalysisPath, "report.tsv"), []byte("partial"), 0644); err != nil {
			return err
		}
		return errors.E("pathoscope failed halfway")
	})
	err := j.Run(f.ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pathoscope failed halfway")

	_, err = os.Stat(f.analysis)
	assert.True(t, os.IsNotExist(err), "analysis directory still exists: %v", err)
	_, err = f.store.Analysis(f.ctx, "a1")
	assert.True(t, store.IsNotFound(err), "analysis document still exists: %v", err)

	st := f.lastStatus(t)
	assert.Equal(t, "error", st.State)
	assert.Equal(t, "pathoscope", st.Stage)
	require.NotNil(t, st.Error)
	assert.Contains(t, st.Error.Message, "pathoscope failed halfway")
	assert.NotEmpty(t, st.Error.Traceback)
}

func TestRunSubprocessFailure(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	j := f.newJob(t)
	replaceStage(t, j, "build_isolate_index", func(ctx context.Context, st *job.State) error {
		return &subprocess.FailureError{Args: []string{"bowtie2-build"}, ExitCode: 1, Stderr: []string{"out of memory"}}
	})
	require.Error(t, j.Run(f.ctx))
	st := f.lastStatus(t)
	assert.Equal(t, "error", st.State)
	assert.Equal(t, "*subprocess.FailureError", st.Error.Type)
	_, err := os.Stat(f.analysis)
	assert.True(t, os.IsNotExist(err))
}

func TestRunPanic(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	j := f.newJob(t)
	replaceStage(t, j, "prepare_qc", func(ctx context.Context, st *job.State) error {
		var m map[string]int
		m["x"]++
		return nil
	})
	err := j.Run(f.ctx)
	require.Error(t, err)
	st := f.lastStatus(t)
	assert.Equal(t, "error", st.State)
	assert.Equal(t, "*job.PanicError", st.Error.Type)
	assert.NotEmpty(t, st.Error.Traceback)
	_, err = f.store.Analysis(f.ctx, "a1")
	assert.True(t, store.IsNotFound(err))
}

func TestRunCancelled(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	j := f.newJob(t)
	ctx, cancel := context.WithCancelCause(f.ctx)
	defer cancel(nil)
	replaceStage(t, j, "map_default_isolates", func(ctx context.Context, st *job.State) error {
		cancel(&job.TerminationError{Signal: syscall.SIGTERM})
		<-ctx.Done()
		return ctx.Err()
	})
	err := j.Run(ctx)
	require.Error(t, err)
	assert.True(t, job.IsTermination(err), "err: %v", err)

	st := f.lastStatus(t)
	assert.Equal(t, "cancelled", st.State)
	assert.Equal(t, "map_default_isolates", st.Stage)
	assert.Equal(t, "*job.TerminationError", st.Error.Type)
	_, err = os.Stat(f.analysis)
	assert.True(t, os.IsNotExist(err))
	_, err = f.store.Analysis(f.ctx, "a1")
	assert.True(t, store.IsNotFound(err))
}

func TestRunWorkflowMismatch(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	doc, err := f.store.Job(f.ctx, "job1")
	require.NoError(t, err)
	doc.Workflow = string(job.WorkflowNuVs)
	require.NoError(t, f.store.PutJob(f.ctx, doc))

	err = f.newJob(t).Run(f.ctx)
	assert.True(t, errors.Is(errors.Invalid, err), "err: %v", err)
	st := f.lastStatus(t)
	assert.Equal(t, "error", st.State)
	assert.Equal(t, "check_db", st.Stage)
	assert.Empty(t, f.runner.cmds)
	_, err = f.store.Analysis(f.ctx, "a1")
	assert.True(t, store.IsNotFound(err), "err: %v", err)
}

func TestRunCheckDBFailureCleansUp(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	doc, err := f.store.Job(f.ctx, "job1")
	require.NoError(t, err)
	doc.Args.IndexID = "missing-index"
	require.NoError(t, f.store.PutJob(f.ctx, doc))

	err = f.newJob(t).Run(f.ctx)
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err), "err: %v", err)

	st := f.lastStatus(t)
	assert.Equal(t, "error", st.State)
	assert.Equal(t, "check_db", st.Stage)
	require.NotNil(t, st.Error)
	assert.Contains(t, st.Error.Message, "missing-index")
	assert.Empty(t, f.runner.cmds)
	_, err = f.store.Analysis(f.ctx, "a1")
	assert.True(t, store.IsNotFound(err), "err: %v", err)
	_, err = os.Stat(f.analysis)
	assert.True(t, os.IsNotExist(err))
}

// reservationStore fails every attempt to reserve resources.
type reservationStore struct {
	store.Store
}

func (s reservationStore) SetReservation(ctx context.Context, jobID string, r *store.Reservation) error {
	if r != nil {
		return errors.E(errors.Unavailable, "no capacity")
	}
	return s.Store.SetReservation(ctx, jobID, r)
}

func TestRunReservationFailure(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	f := newFixture(t, tmpDir)
	j, err := job.New("job1", job.WorkflowPathoscope, job.Env{
		Store:  reservationStore{f.store},
		Runner: f.runner,
		Opts:   f.opts,
	})
	require.NoError(t, err)

	err = j.Run(f.ctx)
	assert.True(t, errors.Is(errors.Unavailable, err), "err: %v", err)
	st := f.lastStatus(t)
	assert.Equal(t, "error", st.State)
	assert.Equal(t, "check_db", st.Stage)
	require.NotNil(t, st.Error)
	assert.Contains(t, st.Error.Message, "no capacity")
	assert.Empty(t, f.runner.cmds)
	_, err = f.store.Analysis(f.ctx, "a1")
	assert.True(t, store.IsNotFound(err), "err: %v", err)
}

func TestNewUnknownWorkflow(t *testing.T) {
	for _, w := range []job.Workflow{job.WorkflowNuVs, job.WorkflowAODP, "bogus"} {
		_, err := job.New("job1", w, job.Env{Store: store.NewMemory()})
		assert.True(t, errors.Is(errors.NotSupported, err), "workflow %s: %v", w, err)
	}
}

func TestSubtractHost(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	in, out := filepath.Join(tmpDir, "in.vta"), filepath.Join(tmpDir, "out.vta")
	recs := []vta.Record{
		{ReadID: "r1", RefID: "A", Pos: 0, Length: 10, Score: 30},
		{ReadID: "r2", RefID: "A", Pos: 5, Length: 10, Score: 30},
		{ReadID: "r2", RefID: "B", Pos: 5, Length: 10, Score: 20},
		{ReadID: "r3", RefID: "B", Pos: 9, Length: 10, Score: 30},
		{ReadID: "r4", RefID: "A", Pos: 2, Length: 10, Score: 30},
	}
	require.NoError(t, vta.WriteFile(ctx, in, func(w *vta.Writer) error {
		for _, r := range recs {
			if err := w.Write(r); err != nil {
				return err
			}
		}
		return nil
	}))
	host := map[string]float64{
		"r2": 25, // below its best isolate score
		"r3": 30, // equal is kept
		"r4": 31,
		"r9": 99, // not in the VTA
	}
	n, err := job.SubtractHost(ctx, in, out, host)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got []vta.Record
	reads := map[string]bool{}
	require.NoError(t, vta.ReadFile(ctx, out, func(r vta.Record) error {
		got = append(got, r)
		reads[r.ReadID] = true
		return nil
	}))
	assert.Equal(t, recs[:4], got)
	assert.Len(t, reads, 3)
}
