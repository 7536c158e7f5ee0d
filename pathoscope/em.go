package pathoscope

import (
	"github.com/exascience/pargo/parallel"
	"gonum.org/v1/gonum/floats"
)

// parallelEStepReads is the number of non-unique reads above which the
// E-step is split across goroutines.
const parallelEStepReads = 1 << 14

// Result is the outcome of EM.
type Result struct {
	// InitialPi is the abundance estimate after the first iteration. It is
	// uniform if no iteration ran.
	InitialPi []float64
	// Pi is the final abundance estimate, one entry per reference. It sums
	// to one unless the matrix is empty.
	Pi []float64
	// Iterations is the number of EM iterations run.
	Iterations int
	// Converged is true if the iteration stopped before MaxIterations.
	Converged bool
	// InitialBestHit is computed from the alignment weights alone, FinalBestHit
	// from the converged posteriors.
	InitialBestHit, FinalBestHit BestHit
}

// EM runs Pathoscope expectation-maximization over m. It overwrites the
// posteriors of m's non-unique reads; everything else in m is left
// unchanged. EM is deterministic: running it twice on the same matrix with
// the same options yields identical results.
func EM(m *Matrix, opts EMOpts) Result {
	nRefs := m.NumRefs()
	if nRefs == 0 {
		return Result{Converged: true}
	}
	pi := make([]float64, nRefs)
	for i := range pi {
		pi[i] = 1 / float64(nRefs)
	}
	var res Result
	m.eStep(pi)
	res.InitialBestHit = m.bestHit()

	var (
		unique      = m.UniqueWeights()
		prior       = opts.PiPrior * m.maxUniqueWeight()
		piSum       = make([]float64, nRefs)
		noAmbiguous = len(m.nonUniqueReads) == 0
	)
	for iter := 0; iter < opts.MaxIterations; iter++ {
		// M step: expected weight per reference over all reads.
		copy(piSum, unique)
		for _, read := range m.nonUniqueReads {
			nu := m.NonUnique[read]
			for k, ref := range nu.Refs {
				piSum[ref] += nu.Posteriors[k] * nu.MaxWeight
			}
		}
		if prior != 0 {
			floats.AddConst(prior, piSum)
		}
		next := normalize(piSum, make([]float64, nRefs))
		delta := floats.Distance(pi, next, 1)
		pi = next
		res.Iterations = iter + 1
		if iter == 0 {
			res.InitialPi = append([]float64(nil), pi...)
		}
		// E step for the next iteration, and for the final posteriors.
		m.eStep(pi)
		if delta <= opts.Epsilon || noAmbiguous {
			res.Converged = true
			break
		}
	}
	if res.InitialPi == nil {
		res.InitialPi = append([]float64(nil), pi...)
	}
	res.Pi = pi
	res.FinalBestHit = m.bestHit()
	return res
}

// eStep sets the posterior of every non-unique read to
//
//   x_r = w_r * pi_r / sum_c(w_c * pi_c)
//
// over its candidates c. A read whose denominator is zero gets a uniform
// posterior over its candidates. Reads are independent, so the result does
// not depend on how the work is split.
func (m *Matrix) eStep(pi []float64) {
	reads := m.nonUniqueHits()
	update := func(low, high int) {
		for _, nu := range reads[low:high] {
			for k, ref := range nu.Refs {
				nu.Posteriors[k] = nu.Weights[k] * pi[ref]
			}
			normalize(nu.Posteriors, nu.Posteriors)
		}
	}
	if len(reads) < parallelEStepReads {
		update(0, len(reads))
		return
	}
	parallel.Range(0, len(reads), 0, update)
}

// nonUniqueHits returns the non-unique hits in read order.
func (m *Matrix) nonUniqueHits() []*NonUniqueHit {
	if len(m.nonUniqueHitList) != len(m.nonUniqueReads) {
		m.nonUniqueHitList = make([]*NonUniqueHit, len(m.nonUniqueReads))
		for i, read := range m.nonUniqueReads {
			m.nonUniqueHitList[i] = m.NonUnique[read]
		}
	}
	return m.nonUniqueHitList
}

func (m *Matrix) maxUniqueWeight() float64 {
	var max float64
	for _, read := range m.uniqueReads {
		if w := m.Unique[read].Weight; w > max {
			max = w
		}
	}
	return max
}
