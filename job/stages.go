package job

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/pathoscope/coverage"
	"github.com/grailbio/pathoscope/encoding/fasta"
	"github.com/grailbio/pathoscope/encoding/fastq"
	"github.com/grailbio/pathoscope/encoding/samline"
	"github.com/grailbio/pathoscope/encoding/vta"
	"github.com/grailbio/pathoscope/pathoscope"
	"github.com/grailbio/pathoscope/subprocess"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// pgzip block size used when staging reads.
const gzipBlockSize = 1 << 20

// Leftovers removed by cleanup_indexes.
var indexPatterns = []string{isolateIndexName + "*.bt2*", isolateFASTAName + "*"}

type stages struct {
	env Env
}

func pathoscopeStages(env Env) []Stage {
	s := stages{env: env}
	return []Stage{
		{"make_analysis_dir", s.makeAnalysisDir},
		{"prepare_reads", s.prepareReads},
		{"prepare_qc", s.prepareQC},
		{"map_default_isolates", s.mapDefaultIsolates},
		{"generate_isolate_fasta", s.generateIsolateFASTA},
		{"build_isolate_index", s.buildIsolateIndex},
		{"map_isolates", s.mapIsolates},
		{"map_subtraction", s.mapSubtraction},
		{"subtract_mapping", s.subtractMapping},
		{"pathoscope", s.pathoscope},
		{"import_results", s.importResults},
		{"cleanup_indexes", s.cleanupIndexes},
	}
}

func (s stages) bowtie2(st *State) subprocess.Bowtie2 {
	return subprocess.Bowtie2{Proc: st.Params.Proc}
}

func (s stages) makeAnalysisDir(ctx context.Context, st *State) error {
	if err := os.MkdirAll(st.Params.AnalysisPath, 0755); err != nil {
		return errors.E(err, "create analysis directory", st.Params.AnalysisPath)
	}
	return nil
}

// prepareReads copies the sample reads into the analysis directory as
// reads_N.fq.gz, checking that every file is valid FASTQ. The mates of a
// paired sample must hold the same number of reads.
func (s stages) prepareReads(ctx context.Context, st *State) error {
	p := st.Params
	counts := make([]int, len(p.ReadPaths))
	st.ReadPaths = make([]string, len(p.ReadPaths))
	for i, src := range p.ReadPaths {
		dst := st.path(fmt.Sprintf("reads_%d.fq.gz", i+1))
		n, err := stageReads(ctx, src, dst, p.Proc)
		if err != nil {
			return err
		}
		counts[i], st.ReadPaths[i] = n, dst
		log.Debug.Printf("job %s: staged %d reads from %s", p.JobID, n, src)
	}
	if p.Paired && counts[0] != counts[1] {
		return errors.E(errors.Invalid, fmt.Sprintf("sample %s: mates have %d and %d reads", p.SampleID, counts[0], counts[1]))
	}
	return nil
}

// stageReads copies the FASTQ file src, which may be compressed, to dst in
// gzip format and returns the number of reads.
func stageReads(ctx context.Context, src, dst string, proc int) (n int, err error) {
	in, err := file.Open(ctx, src)
	if err != nil {
		return 0, errors.E(err, "open reads", src)
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}

	out, err := file.Create(ctx, dst)
	if err != nil {
		return 0, errors.E(err, "create", dst)
	}
	defer file.CloseAndReport(ctx, out, &err)
	gz := pgzip.NewWriter(out.Writer(ctx))
	if err = gz.SetConcurrency(gzipBlockSize, proc); err != nil {
		return 0, err
	}
	var (
		sc   = fastq.NewScanner(r)
		w    = fastq.NewWriter(gz)
		read fastq.Read
	)
	for sc.Scan(&read) {
		if err = w.Write(&read); err != nil {
			return 0, errors.E(err, "write", dst)
		}
	}
	if err = sc.Err(); err != nil {
		return 0, errors.E(errors.Invalid, err, "read", src)
	}
	if err = w.Flush(); err != nil {
		return 0, errors.E(err, "write", dst)
	}
	if err = gz.Close(); err != nil {
		return 0, errors.E(err, "write", dst)
	}
	return sc.Count(), nil
}

// prepareQC computes the read quality of a sample that has none stored.
func (s stages) prepareQC(ctx context.Context, st *State) error {
	p := st.Params
	if p.Quality != nil {
		st.ReadCount = p.Quality.Count
		return nil
	}
	var c fastq.QualityCounter
	for _, path := range st.ReadPaths {
		if err := countQuality(ctx, path, &c); err != nil {
			return err
		}
	}
	q := c.Quality()
	if err := s.env.Store.SetSampleQuality(ctx, p.SampleID, q); err != nil {
		return errors.E(err, "store sample quality", p.SampleID)
	}
	st.ReadCount = q.Count
	log.Printf("job %s: sample %s has %d reads, %.1f%% GC", p.JobID, p.SampleID, q.Count, q.GC)
	return nil
}

func countQuality(ctx context.Context, path string, c *fastq.QualityCounter) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, "open reads", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	gz, err := gzip.NewReader(in.Reader(ctx))
	if err != nil {
		return errors.E(err, "read", path)
	}
	defer gz.Close() // nolint: errcheck
	var (
		sc   = fastq.NewScanner(gz)
		read fastq.Read
	)
	for sc.Scan(&read) {
		c.Add(&read)
	}
	if err = sc.Err(); err != nil {
		return errors.E(err, "read", path)
	}
	return nil
}

// mapDefaultIsolates collects the reference sequences hit by any read when
// mapped against the whole reference index.
func (s stages) mapDefaultIsolates(ctx context.Context, st *State) error {
	hits := map[string]struct{}{}
	err := s.env.Runner.Run(ctx, subprocess.Command{
		Args: s.bowtie2(st).MapDefaultIsolates(st.Params.IndexPath, st.ReadPaths),
		Stdout: samline.Handler(s.env.Opts.Pathoscope.ScoreCutoff, func(r vta.Record) error {
			hits[r.RefID] = struct{}{}
			return nil
		}),
	})
	if err != nil {
		return err
	}
	st.Candidates = maps.Keys(hits)
	slices.Sort(st.Candidates)
	log.Printf("job %s: %d candidate sequences", st.Params.JobID, len(st.Candidates))
	return nil
}

// generateIsolateFASTA writes every sequence of the OTUs hit by the default
// mapping, at the versions the index was built from, to the isolate FASTA.
func (s stages) generateIsolateFASTA(ctx context.Context, st *State) error {
	p := st.Params
	otus := map[string]struct{}{}
	for _, id := range st.Candidates {
		otu, ok := p.SequenceOTUMap[id]
		if !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("index %s: sequence %s has no OTU", p.IndexID, id))
		}
		otus[otu] = struct{}{}
	}
	otuIDs := maps.Keys(otus)
	slices.Sort(otuIDs)

	st.IsolateFASTA = st.path(isolateFASTAName)
	var index []fasta.IndexEntry
	err := writeFile(ctx, st.IsolateFASTA, func(out io.Writer) error {
		w := fasta.NewWriter(out)
		for _, otuID := range otuIDs {
			version, ok := p.Manifest[otuID]
			if !ok {
				return errors.E(errors.NotExist, fmt.Sprintf("index %s: OTU %s is not in the manifest", p.IndexID, otuID))
			}
			otu, err := s.env.Store.PatchToVersion(ctx, otuID, version)
			if err != nil {
				return errors.E(err, fmt.Sprintf("OTU %s version %d", otuID, version))
			}
			for _, iso := range otu.Isolates {
				for _, seq := range iso.Sequences {
					if err = w.Write(seq.ID, seq.Sequence); err != nil {
						return err
					}
				}
			}
		}
		index = w.Index()
		return w.Flush()
	})
	if err != nil {
		return err
	}
	err = writeFile(ctx, st.IsolateFASTA+".fai", func(out io.Writer) error {
		return fasta.WriteIndex(out, index)
	})
	if err != nil {
		return err
	}
	st.RefLengths = fasta.IndexLengths(index)
	log.Debug.Printf("job %s: wrote %d sequences of %d OTUs to %s", p.JobID, len(index), len(otuIDs), st.IsolateFASTA)
	return nil
}

func (s stages) buildIsolateIndex(ctx context.Context, st *State) error {
	if !st.hasCandidates() {
		return nil
	}
	prefix := st.path(isolateIndexName)
	err := s.env.Runner.Run(ctx, subprocess.Command{
		Args: s.bowtie2(st).BuildIndex(st.IsolateFASTA, prefix),
	})
	if err != nil {
		return err
	}
	st.IsolateIndex = prefix
	return nil
}

// mapIsolates maps the reads against the isolate index and writes the hits
// to the isolate VTA file. The file is empty if there were no candidates.
func (s stages) mapIsolates(ctx context.Context, st *State) error {
	st.IsolatesVTA = st.path(isolatesVTAName)
	st.MappedReads = st.path(mappedReadsName)
	var n int
	err := vta.WriteFile(ctx, st.IsolatesVTA, func(w *vta.Writer) error {
		defer func() { n = w.Count() }()
		if !st.hasCandidates() {
			return nil
		}
		return s.env.Runner.Run(ctx, subprocess.Command{
			Args:   s.bowtie2(st).MapIsolates(st.IsolateIndex, st.MappedReads, st.ReadPaths),
			Stdout: samline.Handler(s.env.Opts.Pathoscope.ScoreCutoff, w.Write),
		})
	})
	if err != nil {
		return err
	}
	log.Printf("job %s: %d isolate alignments", st.Params.JobID, n)
	return nil
}

// mapSubtraction records the best host alignment score of every read that
// mapped to the isolates.
func (s stages) mapSubtraction(ctx context.Context, st *State) error {
	if st.Params.SubtractionPath == "" || !st.hasCandidates() {
		return nil
	}
	scores := map[string]float64{}
	err := s.env.Runner.Run(ctx, subprocess.Command{
		Args: s.bowtie2(st).MapSubtraction(st.Params.SubtractionPath, st.MappedReads),
		Stdout: func(line []byte) error {
			r, ok := samline.Parse(line, samline.FloorScore)
			if !ok {
				return nil
			}
			if best, seen := scores[r.ReadID]; !seen || r.Score > best {
				scores[r.ReadID] = r.Score
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	st.HostScores = scores
	log.Debug.Printf("job %s: %d reads aligned to subtraction %s", st.Params.JobID, len(scores), st.Params.SubtractionID)
	return nil
}

func (s stages) subtractMapping(ctx context.Context, st *State) error {
	if len(st.HostScores) == 0 {
		return nil
	}
	tmp := st.IsolatesVTA + ".tmp"
	n, err := SubtractHost(ctx, st.IsolatesVTA, tmp, st.HostScores)
	if err != nil {
		return err
	}
	if err = os.Rename(tmp, st.IsolatesVTA); err != nil {
		return errors.E(err, "replace", st.IsolatesVTA)
	}
	st.SubtractedCount = n
	log.Printf("job %s: subtracted %d reads", st.Params.JobID, n)
	return nil
}

// pathoscope runs the EM over the isolate VTA and assembles the analysis
// result from the report and the coverage of the reassigned alignments.
func (s stages) pathoscope(ctx context.Context, st *State) error {
	p := st.Params
	reassigned := st.path(reassignedVTAName)
	a, err := pathoscope.Run(ctx, s.env.Opts.Pathoscope, st.IsolatesVTA, reassigned, st.path(reportName))
	if err != nil {
		return err
	}
	prof, err := coverage.Calculate(ctx, reassigned, st.RefLengths)
	if err != nil {
		return err
	}
	ids := a.Report.RefIDs
	sums, err := s.env.Coverage.Summarize(prof, ids)
	if err != nil {
		return err
	}
	hits := make([]Hit, len(ids))
	for i, id := range ids {
		otuID := p.SequenceOTUMap[id]
		hits[i] = Hit{
			ID:       id,
			OTU:      OTURef{ID: otuID, Version: p.Manifest[otuID]},
			Length:   st.RefLengths[id],
			Coverage: sums[i].Coverage,
			Depth:    sums[i].Depth,
			Align:    sums[i].Align,
			RefStats: a.Report.Stats[id],
		}
	}
	st.Result = &AnalysisResult{
		Ready:           true,
		ReadCount:       a.Report.ReadCount,
		SubtractedCount: st.SubtractedCount,
		Diagnosis:       hits,
	}
	return nil
}

// importResults stores the analysis result. Results larger than
// MaxDocumentBytes are written to results.json in the analysis directory and
// the document records "file" as the diagnosis.
func (s stages) importResults(ctx context.Context, st *State) error {
	p := st.Params
	data, err := json.Marshal(st.Result)
	if err != nil {
		return err
	}
	if limit := s.env.Opts.MaxDocumentBytes; limit > 0 && len(data) > limit {
		st.ResultsFile = st.path(resultsName)
		err = writeFile(ctx, st.ResultsFile, func(out io.Writer) error {
			_, err := out.Write(data)
			return err
		})
		if err != nil {
			return err
		}
		log.Printf("job %s: %d byte result written to %s", p.JobID, len(data), st.ResultsFile)
		if data, err = json.Marshal(spilledResult{
			Diagnosis:       "file",
			Ready:           true,
			ReadCount:       st.Result.ReadCount,
			SubtractedCount: st.Result.SubtractedCount,
		}); err != nil {
			return err
		}
	}
	if err = s.env.Store.SetAnalysisResults(ctx, p.AnalysisID, data); err != nil {
		return errors.E(err, "store results of analysis", p.AnalysisID)
	}
	return nil
}

// cleanupIndexes removes the isolate index and FASTA.
func (s stages) cleanupIndexes(ctx context.Context, st *State) error {
	lister := file.List(ctx, st.Params.AnalysisPath, false)
	var remove []string
	for lister.Scan() {
		name := filepath.Base(lister.Path())
		for _, pattern := range indexPatterns {
			if ok, _ := filepath.Match(pattern, name); ok {
				remove = append(remove, lister.Path())
				break
			}
		}
	}
	if err := lister.Err(); err != nil {
		return errors.E(err, "list", st.Params.AnalysisPath)
	}
	for _, path := range remove {
		if err := file.Remove(ctx, path); err != nil {
			return errors.E(err, "remove", path)
		}
	}
	log.Debug.Printf("job %s: removed %d index files", st.Params.JobID, len(remove))
	return nil
}

func writeFile(ctx context.Context, path string, fn func(io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = fn(out.Writer(ctx)); err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}
