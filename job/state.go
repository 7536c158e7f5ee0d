package job

import (
	"path/filepath"
)

// Files written to the analysis directory.
const (
	isolateFASTAName  = "isolate_index.fa"
	isolateIndexName  = "isolates"
	mappedReadsName   = "mapped.fq"
	isolatesVTAName   = "to_isolates.vta"
	reassignedVTAName = "reassigned.vta"
	reportName        = "report.tsv"
	resultsName       = "results.json"
)

// State is threaded through the stages of a job. Each stage reads the fields
// produced by earlier stages and fills in its own.
type State struct {
	// Version counts the stages completed so far.
	Version int
	Params  Params

	// prepare_reads
	ReadPaths []string
	// prepare_qc
	ReadCount int

	// map_default_isolates: sequence ids hit by the default mapping, sorted.
	Candidates []string

	// generate_isolate_fasta
	IsolateFASTA string
	RefLengths   map[string]int
	// build_isolate_index
	IsolateIndex string

	// map_isolates
	IsolatesVTA string
	MappedReads string

	// map_subtraction: best host score per read.
	HostScores map[string]float64
	// subtract_mapping
	SubtractedCount int

	// pathoscope
	Result *AnalysisResult
	// import_results: path of the side file, if the results were spilled.
	ResultsFile string
}

func (s *State) path(name string) string {
	return filepath.Join(s.Params.AnalysisPath, name)
}

// hasCandidates reports whether the default mapping found anything to
// analyse further.
func (s *State) hasCandidates() bool {
	return len(s.Candidates) > 0
}
