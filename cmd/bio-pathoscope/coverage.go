package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strconv"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/pathoscope/coverage"
	"github.com/grailbio/pathoscope/encoding/fasta"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"v.io/x/lib/cmdline"
)

func newCmdCoverage() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "coverage",
		Short:    "Compute per-reference coverage of a VTA file",
		ArgsName: "vtapath fastapath",
		Long: `
Coverage prints the length, covered fraction and mean depth of every reference
in the FASTA file. Reference lengths are read from fastapath.fai if it
exists.`,
	}
	parallelism := cmd.Flags.Int("parallelism", runtime.NumCPU(), "Number of coverage workers")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("coverage takes vtapath fastapath, but got %v", argv)
		}
		return writeCoverage(vcontext.Background(), env.Stdout, argv[0], argv[1], *parallelism)
	})
	return cmd
}

// refLengths reads the sequence lengths of a FASTA file from its .fai index,
// or from the file itself when there is no index.
func refLengths(ctx context.Context, fastaPath string) (lengths map[string]int, err error) {
	indexed := true
	path := fastaPath + ".fai"
	if _, err = file.Stat(ctx, path); err != nil {
		indexed, path = false, fastaPath
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	if !indexed {
		f, err := fasta.New(in.Reader(ctx))
		if err != nil {
			return nil, errors.E(err, path)
		}
		return fasta.Lengths(f)
	}
	index, err := fasta.ReadIndex(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(err, path)
	}
	return fasta.IndexLengths(index), nil
}

func writeCoverage(ctx context.Context, out io.Writer, vtaPath, fastaPath string, parallelism int) error {
	lengths, err := refLengths(ctx, fastaPath)
	if err != nil {
		return err
	}
	prof, err := coverage.Calculate(ctx, vtaPath, lengths)
	if err != nil {
		return err
	}
	ids := maps.Keys(lengths)
	slices.Sort(ids)
	sums, err := coverage.NewCalculator(parallelism).Summarize(prof, ids)
	if err != nil {
		return err
	}
	w := tsv.NewWriter(out)
	for _, col := range []string{"#ref_id", "length", "coverage", "depth"} {
		w.WriteString(col)
	}
	if err := w.EndLine(); err != nil {
		return err
	}
	for i, s := range sums {
		w.WriteString(s.RefID)
		w.WriteInt64(int64(lengths[ids[i]]))
		w.WriteString(strconv.FormatFloat(s.Coverage, 'f', 3, 64))
		w.WriteInt64(int64(s.Depth))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}
