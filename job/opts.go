package job

import (
	"github.com/grailbio/pathoscope/pathoscope"
)

// Opts configures jobs.
type Opts struct {
	// DataPath is the root of the sample, reference and subtraction data.
	DataPath string
	// MaxDocumentBytes is the largest result payload stored in the analysis
	// document. Larger results are written to results.json in the analysis
	// directory.
	MaxDocumentBytes int
	// Pathoscope configures the EM.
	Pathoscope pathoscope.Opts
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{
	DataPath:         "data",
	MaxDocumentBytes: 16 << 20,
	Pathoscope:       pathoscope.DefaultOpts,
}
