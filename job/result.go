package job

import (
	"github.com/grailbio/pathoscope/coverage"
	"github.com/grailbio/pathoscope/pathoscope"
)

// AnalysisResult is the outcome of a Pathoscope analysis.
type AnalysisResult struct {
	Ready bool `json:"ready"`
	// ReadCount is the number of reads that took part in the EM.
	ReadCount       int   `json:"read_count"`
	SubtractedCount int   `json:"subtracted_count"`
	Diagnosis       []Hit `json:"diagnosis"`
}

// OTURef identifies an OTU version.
type OTURef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Hit is the diagnosis for one reference sequence.
type Hit struct {
	ID       string                `json:"id"`
	OTU      OTURef                `json:"otu"`
	Length   int                   `json:"length"`
	Coverage float64               `json:"coverage"`
	Depth    int                   `json:"depth"`
	Align    []coverage.Coordinate `json:"align"`
	pathoscope.RefStats
}

// spilledResult replaces the results in the analysis document when they are
// written to a side file.
type spilledResult struct {
	Diagnosis       string `json:"diagnosis"`
	Ready           bool   `json:"ready"`
	ReadCount       int    `json:"read_count"`
	SubtractedCount int    `json:"subtracted_count"`
}
