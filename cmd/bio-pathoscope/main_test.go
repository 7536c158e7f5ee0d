package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/pathoscope/encoding/vta"
	"github.com/grailbio/pathoscope/job"
	"github.com/grailbio/pathoscope/pathoscope"
	"github.com/grailbio/pathoscope/store"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVTA(t *testing.T, path string, recs ...vta.Record) {
	require.NoError(t, vta.WriteFile(context.Background(), path, func(w *vta.Writer) error {
		for _, r := range recs {
			if err := w.Write(r); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestEMAndCoverage(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	vtaPath := filepath.Join(tmpDir, "to_isolates.vta")
	writeVTA(t, vtaPath,
		vta.Record{ReadID: "r1", RefID: "A", Pos: 0, Length: 4, Score: 50},
		vta.Record{ReadID: "r2", RefID: "B", Pos: 2, Length: 4, Score: 50},
		vta.Record{ReadID: "r3", RefID: "A", Pos: 4, Length: 4, Score: 50},
		vta.Record{ReadID: "r3", RefID: "B", Pos: 4, Length: 4, Score: 50},
	)
	outDir := filepath.Join(tmpDir, "out")
	a, err := runEM(ctx, pathoscope.DefaultOpts, vtaPath, outDir)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Report.ReadCount)
	assert.Equal(t, []string{"A", "B"}, a.Report.RefIDs)

	fastaPath := filepath.Join(tmpDir, "refs.fa")
	require.NoError(t, ioutil.WriteFile(fastaPath, []byte(">A\nAAAA\nAAAA\n>B\nCCCCCCCCCC\n>C\nGG\n"), 0644))
	var out bytes.Buffer
	require.NoError(t, writeCoverage(ctx, &out, filepath.Join(outDir, "reassigned.vta"), fastaPath, 2))
	assert.Equal(t, strings.Join([]string{
		"#ref_id\tlength\tcoverage\tdepth",
		"A\t8\t1.000\t1",
		"B\t10\t0.600\t1",
		"C\t2\t0.000\t0",
		"",
	}, "\n"), out.String())
}

func TestRefLengthsFromIndex(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	fastaPath := filepath.Join(tmpDir, "refs.fa")
	require.NoError(t, ioutil.WriteFile(fastaPath, []byte(">A\nAAAA\n"), 0644))
	// The index wins over the FASTA data.
	require.NoError(t, ioutil.WriteFile(fastaPath+".fai", []byte("A\t7\t3\t7\t8\n"), 0644))
	lengths, err := refLengths(context.Background(), fastaPath)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 7}, lengths)
}

func TestRefLengthsFromFASTA(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	fastaPath := filepath.Join(tmpDir, "refs.fa")
	require.NoError(t, ioutil.WriteFile(fastaPath, []byte(">A desc\nAAAA\nAA\n>B\nCCC\n"), 0644))
	lengths, err := refLengths(context.Background(), fastaPath)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 6, "B": 3}, lengths)

	require.NoError(t, ioutil.WriteFile(fastaPath, []byte("AAAA\n"), 0644))
	_, err = refLengths(context.Background(), fastaPath)
	require.Error(t, err)
}

func TestSubmit(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	s, err := store.NewDir(tmpDir)
	require.NoError(t, err)
	jobID, err := submit(ctx, s, store.JobArgs{SampleID: "s1", IndexID: "idx1", RefID: "ref1"}, 4, 8)
	require.NoError(t, err)

	doc, err := s.Job(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, string(job.WorkflowPathoscope), doc.Workflow)
	assert.Equal(t, "s1", doc.Args.SampleID)
	assert.Equal(t, 4, doc.Proc)
	require.Len(t, doc.Status, 1)
	assert.Equal(t, "waiting", doc.Status[0].State)

	a, err := s.Analysis(ctx, doc.Args.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, "s1", a.SampleID)
	assert.False(t, a.Ready)
}
