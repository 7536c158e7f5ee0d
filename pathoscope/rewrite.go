package pathoscope

import (
	"github.com/grailbio/pathoscope/encoding/vta"
)

// RewriteAlignments re-reads the alignments the matrix was built from and
// writes those whose current posterior exceeds threshold, with the score
// replaced by the posterior. Records scoring below cutoff are skipped, so
// cutoff must match the one the matrix was built with. A read that
// aligned to the same reference at several positions keeps all of them.
// RewriteAlignments returns the number of records written.
func RewriteAlignments(m *Matrix, sc *vta.Scanner, w *vta.Writer, cutoff, threshold float64) (int, error) {
	n := 0
	for sc.Scan() {
		r := sc.Record()
		if r.Score < cutoff {
			continue
		}
		read, ok := m.ReadIndex(r.ReadID)
		if !ok {
			continue
		}
		ref, ok := m.RefIndex(r.RefID)
		if !ok {
			continue
		}
		p, ok := m.Posterior(read, ref)
		if !ok || p <= threshold {
			continue
		}
		r.Score = p
		if err := w.Write(r); err != nil {
			return n, err
		}
		n++
	}
	return n, sc.Err()
}
