package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/pathoscope/pathoscope"
	"v.io/x/lib/cmdline"
)

type emFlags struct {
	cutoff, threshold, epsilon, prior *float64
	iterations                        *int
}

func newEMFlags(fs *flag.FlagSet) emFlags {
	d := pathoscope.DefaultOpts
	return emFlags{
		cutoff:     fs.Float64("score-cutoff", d.ScoreCutoff, "Alignments scoring below this are ignored"),
		threshold:  fs.Float64("reassign-threshold", d.ReassignThreshold, "Reassigned alignments must have a posterior above this"),
		epsilon:    fs.Float64("epsilon", d.EM.Epsilon, "EM stops once the L1 change in abundance is at most this"),
		prior:      fs.Float64("pi-prior", d.EM.PiPrior, "Abundance pseudo-count, as a multiple of the largest unique read weight"),
		iterations: fs.Int("max-iterations", d.EM.MaxIterations, "Maximum number of EM iterations"),
	}
}

func (f emFlags) opts() pathoscope.Opts {
	return pathoscope.Opts{
		ScoreCutoff:       *f.cutoff,
		ReassignThreshold: *f.threshold,
		EM: pathoscope.EMOpts{
			MaxIterations: *f.iterations,
			Epsilon:       *f.epsilon,
			PiPrior:       *f.prior,
		},
	}
}

func newCmdEM() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "em",
		Short:    "Run the Pathoscope EM on a VTA file",
		ArgsName: "vtapath outdir",
		Long: `
Em reads isolate alignments in VTA format, runs the Pathoscope EM and writes
reassigned.vta and report.tsv to outdir.`,
	}
	flags := newEMFlags(&cmd.Flags)
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 2 {
			return fmt.Errorf("em takes vtapath outdir, but got %v", argv)
		}
		a, err := runEM(vcontext.Background(), flags.opts(), argv[0], argv[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "%d reads, %d references reported, %d iterations\n",
			a.Report.ReadCount, len(a.Report.RefIDs), a.Result.Iterations)
		return nil
	})
	return cmd
}

func runEM(ctx context.Context, opts pathoscope.Opts, vtaPath, outDir string) (*pathoscope.Analysis, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}
	return pathoscope.Run(ctx, opts, vtaPath,
		filepath.Join(outDir, "reassigned.vta"), filepath.Join(outDir, "report.tsv"))
}
