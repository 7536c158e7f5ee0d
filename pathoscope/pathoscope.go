package pathoscope

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pathoscope/encoding/vta"
)

// Analysis is the outcome of Run.
type Analysis struct {
	Matrix *Matrix
	Result Result
	Report *Report
	// Reassigned is the number of records written to the reassigned VTA.
	Reassigned int
}

// Run builds the alignment matrix from the VTA file at vtaPath, runs EM,
// writes the reassigned alignments to reassignedPath and the report TSV to
// reportPath.
func Run(ctx context.Context, opts Opts, vtaPath, reassignedPath, reportPath string) (*Analysis, error) {
	var m *Matrix
	err := readVTA(ctx, vtaPath, func(sc *vta.Scanner) (err error) {
		m, err = BuildMatrix(sc, opts.ScoreCutoff)
		return
	})
	if err != nil {
		return nil, err
	}
	log.Printf("pathoscope: %s: %d reads (%d unique, %d non-unique), %d references",
		vtaPath, m.NumReads(), len(m.UniqueReads()), len(m.NonUniqueReads()), m.NumRefs())

	res := EM(m, opts.EM)
	log.Printf("pathoscope: EM ran %d iterations (converged: %v)", res.Iterations, res.Converged)

	a := &Analysis{Matrix: m, Result: res, Report: Summarize(m, res)}
	err = vta.WriteFile(ctx, reassignedPath, func(w *vta.Writer) error {
		return readVTA(ctx, vtaPath, func(sc *vta.Scanner) (err error) {
			a.Reassigned, err = RewriteAlignments(m, sc, w, opts.ScoreCutoff, opts.ReassignThreshold)
			return
		})
	})
	if err != nil {
		return nil, errors.E(err, "write reassigned alignments", reassignedPath)
	}
	if err = writeReportFile(ctx, reportPath, a.Report); err != nil {
		return nil, err
	}
	log.Debug.Printf("pathoscope: wrote %d reassigned records, %d report rows", a.Reassigned, len(a.Report.RefIDs))
	return a, nil
}

func readVTA(ctx context.Context, path string, fn func(*vta.Scanner) error) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return fn(vta.NewScanner(in.Reader(ctx), path))
}

func writeReportFile(ctx context.Context, path string, rep *Report) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = WriteReport(out.Writer(ctx), rep); err != nil {
		return errors.E(err, "write report", path)
	}
	return nil
}
