package pathoscope

import "math"

// tieEpsilon is the largest posterior difference treated as a tie.
const tieEpsilon = 1e-9

// BestHit counts, per reference, the reads whose most probable origin is that
// reference. All slices are indexed by reference.
type BestHit struct {
	// Reads is the number of reads whose best candidate is the reference.
	Reads []int
	// Fraction is Reads divided by the number of reads in the matrix.
	Fraction []float64
	// Level1 counts the reads whose best candidate is unambiguous. Unique
	// reads are always level 1.
	Level1 []int
	// Level2 counts the reads whose best posterior is shared, within
	// tieEpsilon, with another candidate. Such reads are credited to the
	// tied candidate with the lowest reference index.
	Level2 []int
}

// bestHit computes the best-hit counts from the current posteriors.
func (m *Matrix) bestHit() BestHit {
	n := m.NumRefs()
	bh := BestHit{
		Reads:    make([]int, n),
		Fraction: make([]float64, n),
		Level1:   make([]int, n),
		Level2:   make([]int, n),
	}
	for _, read := range m.uniqueReads {
		ref := m.Unique[read].Ref
		bh.Reads[ref]++
		bh.Level1[ref]++
	}
	for _, read := range m.nonUniqueReads {
		nu := m.NonUnique[read]
		top := nu.Posteriors[0]
		for _, p := range nu.Posteriors[1:] {
			top = math.Max(top, p)
		}
		var (
			best = -1
			tied int
		)
		for k, p := range nu.Posteriors {
			if top-p > tieEpsilon {
				continue
			}
			tied++
			if best < 0 || nu.Refs[k] < best {
				best = nu.Refs[k]
			}
		}
		bh.Reads[best]++
		if tied > 1 {
			bh.Level2[best]++
		} else {
			bh.Level1[best]++
		}
	}
	if total := m.NumReads(); total > 0 {
		for ref, c := range bh.Reads {
			bh.Fraction[ref] = float64(c) / float64(total)
		}
	}
	return bh
}
