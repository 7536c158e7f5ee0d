package job

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pathoscope/encoding/fastq"
	"github.com/grailbio/pathoscope/store"
)

// Params are the parameters of one job, resolved from the job document and
// the documents it refers to. They do not change while the job runs.
type Params struct {
	JobID         string
	Workflow      Workflow
	SampleID      string
	AnalysisID    string
	IndexID       string
	RefID         string
	SubtractionID string

	// AnalysisPath is the directory owned by the job.
	AnalysisPath string
	// ReadPaths are the sample read files, one per mate.
	ReadPaths []string
	Paired    bool
	// ReadCount is the number of reads in the sample, if known.
	ReadCount int
	// Quality is the stored read quality of the sample, if any.
	Quality *fastq.Quality

	// IndexPath is the bowtie2 prefix of the reference index.
	IndexPath string
	// Manifest maps an OTU id to the version the index was built from.
	Manifest map[string]int
	// SequenceOTUMap maps a reference sequence id to its OTU id.
	SequenceOTUMap map[string]string
	// SubtractionPath is the bowtie2 prefix of the host index. Empty if the
	// analysis has no subtraction.
	SubtractionPath string

	// Proc and Mem are the CPU and memory (GiB) budget.
	Proc, Mem int
}

// LoadParams reads the parameters of a job from the store. It fails if a
// referenced document is missing or if the number of read files does not
// match the sample's pairing. On failure the returned Params hold the ids
// read from the job document, so that the caller can clean up after them.
func LoadParams(ctx context.Context, s store.Store, jobID string, opts Opts) (Params, error) {
	p := Params{JobID: jobID}
	doc, err := s.Job(ctx, jobID)
	if err != nil {
		return p, errors.E(err, "load job", jobID)
	}
	args := doc.Args
	p.Workflow = Workflow(doc.Workflow)
	p.SampleID, p.AnalysisID = args.SampleID, args.AnalysisID
	samplePath := filepath.Join(opts.DataPath, "samples", args.SampleID)
	if args.SampleID != "" && args.AnalysisID != "" {
		p.AnalysisPath = filepath.Join(samplePath, "analysis", args.AnalysisID)
	}
	for _, arg := range [][2]string{
		{"sample_id", args.SampleID},
		{"analysis_id", args.AnalysisID},
		{"index_id", args.IndexID},
		{"ref_id", args.RefID},
	} {
		if arg[1] == "" {
			return p, errors.E(errors.Invalid, fmt.Sprintf("job %s: missing argument %s", jobID, arg[0]))
		}
	}
	sample, err := s.Sample(ctx, args.SampleID)
	if err != nil {
		return p, errors.E(err, "load sample", args.SampleID)
	}
	if _, err = s.Analysis(ctx, args.AnalysisID); err != nil {
		return p, errors.E(err, "load analysis", args.AnalysisID)
	}
	index, err := s.Index(ctx, args.IndexID)
	if err != nil {
		return p, errors.E(err, "load index", args.IndexID)
	}

	nFiles := 1
	if sample.Paired {
		nFiles = 2
	}
	if len(sample.Files) != nFiles {
		return p, errors.E(errors.Invalid, fmt.Sprintf("sample %s: paired=%v but found %d read files",
			sample.ID, sample.Paired, len(sample.Files)))
	}
	p.IndexID, p.RefID, p.SubtractionID = args.IndexID, args.RefID, args.SubtractionID
	p.Paired, p.Quality = sample.Paired, sample.Quality
	p.IndexPath, p.Manifest, p.SequenceOTUMap = index.Path, index.Manifest, index.SequenceOTUMap
	p.Proc, p.Mem = doc.Proc, doc.Mem
	for _, f := range sample.Files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(samplePath, f)
		}
		p.ReadPaths = append(p.ReadPaths, f)
	}
	if sample.Quality != nil {
		p.ReadCount = sample.Quality.Count
	}
	if p.IndexPath == "" {
		p.IndexPath = filepath.Join(opts.DataPath, "references", args.RefID, args.IndexID, "reference")
	}
	if p.Proc < 1 {
		p.Proc = 1
	}
	if args.SubtractionID != "" {
		sub, err := s.Subtraction(ctx, args.SubtractionID)
		if err != nil {
			return p, errors.E(err, "load subtraction", args.SubtractionID)
		}
		p.SubtractionPath = sub.Path
		if p.SubtractionPath == "" {
			p.SubtractionPath = filepath.Join(opts.DataPath, "subtractions", args.SubtractionID, "reference")
		}
	}
	return p, nil
}
