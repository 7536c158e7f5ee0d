package coverage_test

import (
	"context"
	"encoding/json"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pathoscope/coverage"
	"github.com/grailbio/pathoscope/encoding/vta"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	for _, n := range []int{0, 1, 2, 17, 1000} {
		depth := make([]int32, n)
		for i := range depth {
			// Long runs with occasional changes.
			if i > 0 && r.Intn(5) != 0 {
				depth[i] = depth[i-1]
				continue
			}
			depth[i] = int32(r.Intn(4))
		}
		coords := coverage.ToCoordinates(depth)
		if n > 0 {
			expect.EQ(t, coords[0].Pos, 0)
		}
		for k := 1; k < len(coords); k++ {
			expect.True(t, coords[k].Depth != coords[k-1].Depth)
		}
		expect.EQ(t, coverage.Expand(coords, n), depth, "n=%d", n)
	}
}

func TestToCoordinates(t *testing.T) {
	expect.EQ(t, coverage.ToCoordinates([]int32{0, 0, 2, 2, 1, 0}),
		[]coverage.Coordinate{{0, 0}, {2, 2}, {4, 1}, {5, 0}})
	expect.EQ(t, coverage.ToCoordinates([]int32{3}), []coverage.Coordinate{{0, 3}})
	expect.EQ(t, len(coverage.ToCoordinates(nil)), 0)
}

func TestCoordinateJSON(t *testing.T) {
	data, err := json.Marshal([]coverage.Coordinate{{0, 1}, {12, 4}})
	assert.NoError(t, err)
	expect.EQ(t, string(data), "[[0,1],[12,4]]")
	var got []coverage.Coordinate
	assert.NoError(t, json.Unmarshal(data, &got))
	expect.EQ(t, got, []coverage.Coordinate{{0, 1}, {12, 4}})
}

func TestAccumulate(t *testing.T) {
	const in = "r1,A,0,4,1\n" +
		"r2,A,2,4,1\n" +
		"r3,A,8,5,0.5\n" + // clipped to the reference end
		"r4,B,1,2,1\n"
	p, err := coverage.Accumulate(vta.NewScanner(strings.NewReader(in), ""), map[string]int{"A": 10, "B": 3, "C": 5})
	assert.NoError(t, err)
	expect.EQ(t, p["A"], []int32{1, 1, 2, 2, 1, 1, 0, 0, 1, 1})
	expect.EQ(t, p["B"], []int32{0, 1, 1})
	_, ok := p["C"]
	expect.False(t, ok)

	_, err = coverage.Accumulate(vta.NewScanner(strings.NewReader("r1,X,0,4,1\n"), ""), map[string]int{"A": 10})
	expect.True(t, errors.Is(errors.NotExist, err), "err %v", err)
}

func TestCalculateAndSummarize(t *testing.T) {
	tmpDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(tmpDir, "reassigned.vta")
	assert.NoError(t, vta.WriteFile(ctx, path, func(w *vta.Writer) error {
		for _, r := range []vta.Record{
			{ReadID: "r1", RefID: "A", Pos: 0, Length: 5, Score: 1},
			{ReadID: "r2", RefID: "A", Pos: 0, Length: 5, Score: 1},
			{ReadID: "r3", RefID: "A", Pos: 0, Length: 5, Score: 1},
			{ReadID: "r4", RefID: "B", Pos: 2, Length: 2, Score: 1},
		} {
			if err := w.Write(r); err != nil {
				return err
			}
		}
		return nil
	}))
	p, err := coverage.Calculate(ctx, path, map[string]int{"A": 10, "B": 4, "C": 7})
	assert.NoError(t, err)

	sums, err := coverage.NewCalculator(2).Summarize(p, []string{"A", "B", "C"})
	assert.NoError(t, err)
	assert.EQ(t, len(sums), 3)
	expect.EQ(t, sums[0], coverage.Summary{
		RefID: "A", Length: 10, Coverage: 0.5, Depth: 2,
		Align: []coverage.Coordinate{{0, 3}, {5, 0}},
	})
	expect.EQ(t, sums[1].Coverage, 0.5)
	expect.EQ(t, sums[1].Depth, 1)
	expect.EQ(t, sums[2], coverage.Summary{RefID: "C"})

	sums, err = coverage.NewCalculator(8).Summarize(p, nil)
	assert.NoError(t, err)
	expect.EQ(t, len(sums), 0)
}
