package pathoscope

import (
	"math"

	"github.com/grailbio/pathoscope/encoding/vta"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
)

// UniqueHit is the single candidate of a read that aligned to exactly one
// reference.
type UniqueHit struct {
	Ref    int
	Weight float64
}

// NonUniqueHit holds the candidates of a read that aligned to two or more
// references. Refs, Weights and Posteriors are parallel.
type NonUniqueHit struct {
	Refs    []int
	Weights []float64
	// Posteriors are the current read-to-reference assignment
	// probabilities. BuildMatrix initializes them to the normalized weights;
	// EM overwrites them.
	Posteriors []float64
	// MaxWeight is the largest of Weights.
	MaxWeight float64
}

// Matrix is the sparse read-by-reference alignment matrix. Every read index
// is a key of exactly one of Unique and NonUnique. Reference and read indices
// are assigned in order of first appearance in the input.
type Matrix struct {
	RefIDs    []string
	ReadIDs   []string
	Unique    map[int]*UniqueHit
	NonUnique map[int]*NonUniqueHit

	refIndex       map[string]int
	readIndex      map[string]int
	uniqueReads    []int
	nonUniqueReads []int

	// Cached NonUnique values in nonUniqueReads order.
	nonUniqueHitList []*NonUniqueHit
}

// RefIndex returns the index of a reference id.
func (m *Matrix) RefIndex(id string) (int, bool) {
	i, ok := m.refIndex[id]
	return i, ok
}

// ReadIndex returns the index of a read id.
func (m *Matrix) ReadIndex(id string) (int, bool) {
	i, ok := m.readIndex[id]
	return i, ok
}

// NumReads returns the number of distinct reads in the matrix.
func (m *Matrix) NumReads() int { return len(m.ReadIDs) }

// NumRefs returns the number of distinct references in the matrix.
func (m *Matrix) NumRefs() int { return len(m.RefIDs) }

// UniqueReads returns the unique read indices in ascending order.
func (m *Matrix) UniqueReads() []int { return m.uniqueReads }

// NonUniqueReads returns the non-unique read indices in ascending order.
func (m *Matrix) NonUniqueReads() []int { return m.nonUniqueReads }

// UniqueWeights returns, for every reference, the summed weight of the reads
// that aligned to it alone.
func (m *Matrix) UniqueWeights() []float64 {
	w := make([]float64, len(m.RefIDs))
	for _, read := range m.uniqueReads {
		u := m.Unique[read]
		w[u.Ref] += u.Weight
	}
	return w
}

// Posterior returns the current assignment probability of read to ref.
func (m *Matrix) Posterior(read, ref int) (float64, bool) {
	if u, ok := m.Unique[read]; ok {
		if u.Ref == ref {
			return 1, true
		}
		return 0, false
	}
	nu, ok := m.NonUnique[read]
	if !ok {
		return 0, false
	}
	for k, r := range nu.Refs {
		if r == ref {
			return nu.Posteriors[k], true
		}
	}
	return 0, false
}

// MatrixBuilder accumulates VTA records into a Matrix. The zero value is not
// usable; call NewMatrixBuilder.
type MatrixBuilder struct {
	m      *Matrix
	cutoff float64
	// Raw (unscaled) scores. Min starts at zero to match the historical
	// rescaling, which only shifts when a negative score is present.
	minScore, maxScore float64
}

// NewMatrixBuilder creates a builder that ignores records scoring below
// cutoff.
func NewMatrixBuilder(cutoff float64) *MatrixBuilder {
	return &MatrixBuilder{
		cutoff: cutoff,
		m: &Matrix{
			Unique:    map[int]*UniqueHit{},
			NonUnique: map[int]*NonUniqueHit{},
			refIndex:  map[string]int{},
			readIndex: map[string]int{},
		},
	}
}

// Add folds one record into the matrix. Repeated (read, ref) pairs are
// ignored.
func (b *MatrixBuilder) Add(r vta.Record) {
	if r.Score < b.cutoff {
		return
	}
	m := b.m
	b.minScore = math.Min(b.minScore, r.Score)
	b.maxScore = math.Max(b.maxScore, r.Score)

	ref, ok := m.refIndex[r.RefID]
	if !ok {
		ref = len(m.RefIDs)
		m.refIndex[r.RefID] = ref
		m.RefIDs = append(m.RefIDs, r.RefID)
	}
	read, ok := m.readIndex[r.ReadID]
	if !ok {
		read = len(m.ReadIDs)
		m.readIndex[r.ReadID] = read
		m.ReadIDs = append(m.ReadIDs, r.ReadID)
		m.Unique[read] = &UniqueHit{Ref: ref, Weight: r.Score}
		return
	}
	if u, ok := m.Unique[read]; ok {
		if u.Ref == ref {
			return
		}
		m.NonUnique[read] = &NonUniqueHit{
			Refs:    []int{u.Ref},
			Weights: []float64{u.Weight},
		}
		delete(m.Unique, read)
	}
	nu := m.NonUnique[read]
	if slices.Contains(nu.Refs, ref) {
		return
	}
	nu.Refs = append(nu.Refs, ref)
	nu.Weights = append(nu.Weights, r.Score)
}

// Matrix rescales the accumulated scores and returns the finished matrix.
// The builder must not be used afterwards.
func (b *MatrixBuilder) Matrix() *Matrix {
	m := b.m
	b.m = nil
	m.uniqueReads = maps.Keys(m.Unique)
	slices.Sort(m.uniqueReads)
	m.nonUniqueReads = maps.Keys(m.NonUnique)
	slices.Sort(m.nonUniqueReads)

	weight := rescaler(b.minScore, b.maxScore)
	for _, read := range m.uniqueReads {
		u := m.Unique[read]
		u.Weight = weight(u.Weight)
	}
	for _, read := range m.nonUniqueReads {
		nu := m.NonUnique[read]
		nu.MaxWeight = 0
		for k, s := range nu.Weights {
			w := weight(s)
			nu.Weights[k] = w
			nu.MaxWeight = math.Max(nu.MaxWeight, w)
		}
		nu.Posteriors = normalize(nu.Weights, make([]float64, len(nu.Weights)))
	}
	return m
}

// rescaler returns the Pathoscope score-to-weight transform. Scores are
// shifted to be non-negative, scaled so that the score range spans 100, and
// exponentiated. The exponent is offset so that the best score maps to
// weight 1; the offset is a common factor and cancels in the EM.
func rescaler(min, max float64) func(float64) float64 {
	var shift float64
	if min < 0 {
		shift = -min
	}
	span := max + shift
	if span <= 0 {
		return func(float64) float64 { return 1 }
	}
	scale := 100 / span
	return func(s float64) float64 {
		return math.Exp((s+shift)*scale - 100)
	}
}

// normalize writes v/sum(v) into dst and returns it. When the sum is zero,
// dst is uniform.
func normalize(v, dst []float64) []float64 {
	sum := floats.Sum(v)
	if sum == 0 {
		for k := range dst {
			dst[k] = 1 / float64(len(dst))
		}
		return dst
	}
	return floats.ScaleTo(dst, 1/sum, v)
}

// BuildMatrix reads every record from sc into a Matrix, ignoring records
// scoring below cutoff. On a malformed record it returns the scanner's
// error and no matrix.
func BuildMatrix(sc *vta.Scanner, cutoff float64) (*Matrix, error) {
	b := NewMatrixBuilder(cutoff)
	for sc.Scan() {
		b.Add(sc.Record())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return b.Matrix(), nil
}
