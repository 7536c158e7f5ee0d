package pathoscope

import (
	"io"
	"strconv"

	"github.com/grailbio/base/tsv"
)

// minReportedPi is the abundance below which a reference is reported only if
// at least one read was assigned to it.
const minReportedPi = 0.01

// RefStats are the Pathoscope statistics of one reference.
type RefStats struct {
	Pi        float64 `json:"pi"`
	InitialPi float64 `json:"initial_pi"`

	BestHitInitial         int     `json:"best_hit_initial"`
	BestHitFinal           int     `json:"best_hit_final"`
	BestHitInitialFraction float64 `json:"best_hit_initial_fraction"`
	BestHitFinalFraction   float64 `json:"best_hit_final_fraction"`

	Level1Initial int `json:"level1_initial"`
	Level2Initial int `json:"level2_initial"`
	Level1Final   int `json:"level1_final"`
	Level2Final   int `json:"level2_final"`
}

// Report summarizes an EM run.
type Report struct {
	// ReadCount is the number of reads in the matrix.
	ReadCount int
	// RefIDs lists the reported references in matrix order.
	RefIDs []string
	Stats  map[string]RefStats
}

// Summarize collects the per-reference statistics of res. References with a
// zero final abundance are dropped, as are references below minReportedPi
// that received no reads.
func Summarize(m *Matrix, res Result) *Report {
	rep := &Report{
		ReadCount: m.NumReads(),
		Stats:     map[string]RefStats{},
	}
	if m.NumRefs() == 0 {
		return rep
	}
	ini, fin := res.InitialBestHit, res.FinalBestHit
	for ref, id := range m.RefIDs {
		pi := res.Pi[ref]
		if pi == 0 {
			continue
		}
		if pi < minReportedPi && fin.Level1[ref]+fin.Level2[ref] == 0 {
			continue
		}
		rep.RefIDs = append(rep.RefIDs, id)
		rep.Stats[id] = RefStats{
			Pi:                     pi,
			InitialPi:              res.InitialPi[ref],
			BestHitInitial:         ini.Reads[ref],
			BestHitFinal:           fin.Reads[ref],
			BestHitInitialFraction: ini.Fraction[ref],
			BestHitFinalFraction:   fin.Fraction[ref],
			Level1Initial:          ini.Level1[ref],
			Level2Initial:          ini.Level2[ref],
			Level1Final:            fin.Level1[ref],
			Level2Final:            fin.Level2[ref],
		}
	}
	return rep
}

// WriteReport writes rep as a TSV with one row per reported reference and no
// header. The columns are ref_id, final_pi, best_hit_final, level1_final,
// level2_final, best_hit_initial, level1_initial and level2_initial.
// Abundances are written with three decimals.
func WriteReport(w io.Writer, rep *Report) error {
	out := tsv.NewWriter(w)
	for _, id := range rep.RefIDs {
		s := rep.Stats[id]
		out.WriteString(id)
		out.WriteString(strconv.FormatFloat(s.Pi, 'f', 3, 64))
		out.WriteInt64(int64(s.BestHitFinal))
		out.WriteInt64(int64(s.Level1Final))
		out.WriteInt64(int64(s.Level2Final))
		out.WriteInt64(int64(s.BestHitInitial))
		out.WriteInt64(int64(s.Level1Initial))
		out.WriteInt64(int64(s.Level2Initial))
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}
