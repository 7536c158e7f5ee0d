package fastq

import (
	"math"

	"github.com/grailbio/pathoscope/biosimd"
)

// Phred offsets of the two quality encodings in use.
const (
	sangerOffset   = 33
	illumina15Base = 64
)

// Quality summarizes a set of reads.
type Quality struct {
	Count int `json:"count"`
	// Encoding names the detected quality encoding.
	Encoding string `json:"encoding"`
	// GC is the percentage of G and C among the A, C, G and T bases.
	GC float64 `json:"gc"`
	// Length holds the shortest and longest read length.
	Length [2]int `json:"length"`
	// Bases is the mean Phred quality at each read position.
	Bases []float64 `json:"bases"`
	// Sequences counts reads by their mean Phred quality, rounded down.
	Sequences []int `json:"sequences"`
}

// QualityCounter accumulates a Quality from reads. The zero value is ready
// to use.
type QualityCounter struct {
	n              int
	minLen, maxLen int
	gc, acgt       int64
	minQual        byte
	// Raw quality byte sums; the encoding offset is removed in Quality.
	posSum   []int64
	posCount []int64
	readMean []int
}

// Add folds r into the summary.
func (c *QualityCounter) Add(r *Read) {
	if c.n == 0 || len(r.Seq) < c.minLen {
		c.minLen = len(r.Seq)
	}
	if len(r.Seq) > c.maxLen {
		c.maxLen = len(r.Seq)
	}
	c.n++
	gc, acgt := biosimd.CountGC(r.Seq)
	c.gc += int64(gc)
	c.acgt += int64(acgt)
	for len(c.posSum) < len(r.Qual) {
		c.posSum = append(c.posSum, 0)
		c.posCount = append(c.posCount, 0)
	}
	var sum int
	for i := 0; i < len(r.Qual); i++ {
		q := r.Qual[i]
		if c.minQual == 0 || q < c.minQual {
			c.minQual = q
		}
		c.posSum[i] += int64(q)
		c.posCount[i]++
		sum += int(q)
	}
	if len(r.Qual) > 0 {
		mean := sum / len(r.Qual)
		for len(c.readMean) <= mean {
			c.readMean = append(c.readMean, 0)
		}
		c.readMean[mean]++
	}
}

// Quality returns the summary of the reads added so far.
func (c *QualityCounter) Quality() Quality {
	q := Quality{
		Count:    c.n,
		Encoding: "Sanger / Illumina 1.9",
		Length:   [2]int{c.minLen, c.maxLen},
	}
	offset := sangerOffset
	if c.minQual >= illumina15Base {
		offset = illumina15Base
		q.Encoding = "Illumina 1.5"
	}
	if c.acgt > 0 {
		q.GC = math.Round(float64(c.gc)/float64(c.acgt)*1000) / 10
	}
	q.Bases = make([]float64, len(c.posSum))
	for i, s := range c.posSum {
		q.Bases[i] = float64(s)/float64(c.posCount[i]) - float64(offset)
	}
	if len(c.readMean) > offset {
		q.Sequences = append([]int(nil), c.readMean[offset:]...)
	}
	return q
}
