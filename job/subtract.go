package job

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/pathoscope/encoding/vta"
	"github.com/willf/bitset"
)

// SubtractHost copies the VTA file at inPath to outPath, dropping every read
// whose host score is strictly greater than its best isolate score. It
// returns the number of reads dropped.
func SubtractHost(ctx context.Context, inPath, outPath string, hostScores map[string]float64) (int, error) {
	var (
		readIndex = map[string]uint{}
		best      []float64
	)
	err := vta.ReadFile(ctx, inPath, func(r vta.Record) error {
		i, ok := readIndex[r.ReadID]
		if !ok {
			i = uint(len(best))
			readIndex[r.ReadID] = i
			best = append(best, r.Score)
		}
		if r.Score > best[i] {
			best[i] = r.Score
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	host := bitset.New(uint(len(best)))
	for id, i := range readIndex {
		if score, ok := hostScores[id]; ok && score > best[i] {
			host.Set(i)
		}
	}
	err = vta.WriteFile(ctx, outPath, func(w *vta.Writer) error {
		return vta.ReadFile(ctx, inPath, func(r vta.Record) error {
			if host.Test(readIndex[r.ReadID]) {
				return nil
			}
			return w.Write(r)
		})
	})
	if err != nil {
		return 0, errors.E(err, "subtract host reads", inPath)
	}
	return int(host.Count()), nil
}
