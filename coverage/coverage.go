// Package coverage computes per-reference read depth from reassigned
// alignments, and the run-length encoded coordinates stored with each
// analysis hit.
package coverage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/pathoscope/encoding/vta"
)

// Profile maps a reference id to its per-position depth. Only references
// with at least one alignment are present.
type Profile map[string][]int32

// Coordinate marks the start of a run of equal depth. It is encoded in JSON
// as a [pos, depth] pair.
type Coordinate struct {
	Pos   int
	Depth int32
}

// MarshalJSON implements json.Marshaler.
func (c Coordinate) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{int64(c.Pos), int64(c.Depth)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Coordinate) UnmarshalJSON(data []byte) error {
	var v [2]int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	c.Pos, c.Depth = int(v[0]), int32(v[1])
	return nil
}

// Accumulate adds every alignment read from sc to a new profile. An
// alignment covers [Pos, Pos+Length) clipped to the reference length. An
// alignment to a reference absent from refLengths is an error.
func Accumulate(sc *vta.Scanner, refLengths map[string]int) (Profile, error) {
	p := Profile{}
	for sc.Scan() {
		r := sc.Record()
		depth, ok := p[r.RefID]
		if !ok {
			n, ok := refLengths[r.RefID]
			if !ok {
				return nil, errors.E(errors.NotExist, fmt.Sprintf("coverage: unknown reference %q (read %s)", r.RefID, r.ReadID))
			}
			depth = make([]int32, n)
			p[r.RefID] = depth
		}
		start, end := r.Pos, r.End()
		if start < 0 {
			start = 0
		}
		if end > len(depth) {
			end = len(depth)
		}
		for i := start; i < end; i++ {
			depth[i]++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// Calculate accumulates the profile of the VTA file at path.
func Calculate(ctx context.Context, path string, refLengths map[string]int) (p Profile, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	return Accumulate(vta.NewScanner(in.Reader(ctx), path), refLengths)
}

// ToCoordinates run-length encodes depth. It emits a coordinate at position
// zero and at every position whose depth differs from the previous one.
func ToCoordinates(depth []int32) []Coordinate {
	if len(depth) == 0 {
		return nil
	}
	coords := []Coordinate{{Pos: 0, Depth: depth[0]}}
	for i := 1; i < len(depth); i++ {
		if depth[i] != depth[i-1] {
			coords = append(coords, Coordinate{Pos: i, Depth: depth[i]})
		}
	}
	return coords
}

// Expand is the inverse of ToCoordinates for a reference of length n.
func Expand(coords []Coordinate, n int) []int32 {
	depth := make([]int32, n)
	for k, c := range coords {
		end := n
		if k+1 < len(coords) && coords[k+1].Pos < n {
			end = coords[k+1].Pos
		}
		for i := c.Pos; i < end; i++ {
			depth[i] = c.Depth
		}
	}
	return depth
}

// Summary describes the coverage of one reference.
type Summary struct {
	RefID string
	// Length is the reference length.
	Length int
	// Coverage is the fraction of positions with non-zero depth.
	Coverage float64
	// Depth is the mean depth, rounded to the nearest integer.
	Depth int
	Align []Coordinate
}

func summarize(id string, depth []int32) Summary {
	s := Summary{RefID: id, Length: len(depth)}
	if len(depth) == 0 {
		return s
	}
	var covered, total int64
	for _, d := range depth {
		if d > 0 {
			covered++
		}
		total += int64(d)
	}
	s.Coverage = float64(covered) / float64(len(depth))
	s.Depth = int((total + int64(len(depth))/2) / int64(len(depth)))
	s.Align = ToCoordinates(depth)
	return s
}

// Calculator summarizes profiles on a fixed number of workers. A Calculator
// is created once and shared by the jobs of a process.
type Calculator struct {
	parallelism int
}

// NewCalculator creates a Calculator running at most parallelism summaries
// at once.
func NewCalculator(parallelism int) *Calculator {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Calculator{parallelism: parallelism}
}

// Summarize returns the summary of every id, in order. Ids absent from p
// have zero coverage.
func (c *Calculator) Summarize(p Profile, ids []string) ([]Summary, error) {
	out := make([]Summary, len(ids))
	nJobs := c.parallelism
	if nJobs > len(ids) {
		nJobs = len(ids)
	}
	if nJobs == 0 {
		return out, nil
	}
	log.Debug.Printf("coverage: summarizing %d references on %d workers", len(ids), nJobs)
	err := traverse.Each(nJobs, func(jobIdx int) error {
		startIdx := (jobIdx * len(ids)) / nJobs
		endIdx := ((jobIdx + 1) * len(ids)) / nJobs
		for i := startIdx; i < endIdx; i++ {
			out[i] = summarize(ids[i], p[ids[i]])
		}
		return nil
	})
	return out, err
}
