package pathoscope

// Opts configures a Pathoscope run.
type Opts struct {
	// ScoreCutoff drops VTA records scoring below it while building the
	// matrix.
	ScoreCutoff float64
	// ReassignThreshold is the posterior probability an alignment must
	// exceed to be kept in the reassigned alignment file.
	ReassignThreshold float64
	// EM configures the EM iterations.
	EM EMOpts
}

// EMOpts configures EM.
type EMOpts struct {
	// MaxIterations caps the number of EM iterations.
	MaxIterations int
	// Epsilon stops the iteration once the L1 change in pi between two
	// iterations is at most this value.
	Epsilon float64
	// PiPrior adds PiPrior * (largest unique read weight) pseudo-weight to
	// every reference in the M-step. Zero disables the prior.
	PiPrior float64
}

// DefaultEMOpts are the historical Pathoscope EM settings.
var DefaultEMOpts = EMOpts{
	MaxIterations: 50,
	Epsilon:       1e-7,
	PiPrior:       0,
}

// DefaultOpts sets the default values to Opts.
var DefaultOpts = Opts{
	ScoreCutoff:       0.01,
	ReassignThreshold: 0.01,
	EM:                DefaultEMOpts,
}
