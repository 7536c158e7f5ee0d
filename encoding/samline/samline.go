// Package samline parses single SAM lines as they stream out of bowtie2 and
// turns mapped lines into VTA records.
//
// Parsing avoids copying: fields are sliced out of the input line, and
// strings are only allocated for lines that become records. This keeps the
// parser ahead of a multi-threaded aligner writing to a pipe.
package samline

import (
	"bytes"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/pathoscope/encoding/vta"
)

// DefaultCutoff is the minimum alignment score for a line to become a
// record.
const DefaultCutoff = 0.01

// FloorScore is the score assigned to lines with no usable AS tag.
const FloorScore = 0.0

// SAM columns used by the parser.
const (
	colQName = 0
	colFlag  = 1
	colRName = 2
	colPos   = 3
	colSeq   = 9
	colTags  = 11
)

var asTag = []byte("AS:i:")

// line holds the columns of one SAM line. All slices alias the input.
type line struct {
	qname, flag, rname, pos, seq []byte
	as                           []byte
	hasAS                        bool
}

// split fills l from text. It returns false if text has fewer than the
// eleven mandatory SAM columns.
func (l *line) split(text []byte) bool {
	col := 0
	for len(text) > 0 || col <= colSeq {
		i := bytes.IndexByte(text, '\t')
		var f []byte
		if i < 0 {
			f, text = text, nil
		} else {
			f, text = text[:i], text[i+1:]
		}
		switch col {
		case colQName:
			l.qname = f
		case colFlag:
			l.flag = f
		case colRName:
			l.rname = f
		case colPos:
			l.pos = f
		case colSeq:
			l.seq = f
		}
		if col >= colTags && !l.hasAS && bytes.HasPrefix(f, asTag) {
			l.as, l.hasAS = f[len(asTag):], true
		}
		col++
		if i < 0 {
			break
		}
	}
	return col > colSeq+1
}

// atoi parses a decimal, optionally signed, integer without allocating.
func atoi(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	neg := false
	switch b[0] {
	case '-':
		neg, b = true, b[1:]
	case '+':
		b = b[1:]
	}
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n, true
}

// alignScore is the Pathoscope score of a split line: the bowtie2 AS tag
// plus the read length. The second result is false if the tag is absent or
// unparseable.
func (l *line) alignScore() (float64, bool) {
	if !l.hasAS {
		return FloorScore, false
	}
	as, ok := atoi(l.as)
	if !ok {
		return FloorScore, false
	}
	return float64(as) + float64(len(l.seq)), true
}

// AlignScore returns the Pathoscope alignment score for a SAM line: the
// value of the AS:i tag plus the length of SEQ. This is the historical
// find_sam_align_score transform; results computed against older analyses
// depend on it exactly. Lines without a usable AS tag get FloorScore and
// false.
func AlignScore(text []byte) (float64, bool) {
	var l line
	if !l.split(text) {
		return FloorScore, false
	}
	return l.alignScore()
}

// Parse converts one SAM line to a VTA record. The boolean result is false
// for header lines, unmapped segments, lines without a reference, lines that
// don't parse as SAM, and lines scoring below cutoff.
//
// The record position is the 0-based leftmost mapping position and its
// length is the read length.
func Parse(text []byte, cutoff float64) (vta.Record, bool) {
	if len(text) == 0 || text[0] == '@' || text[0] == '#' {
		return vta.Record{}, false
	}
	text = bytes.TrimRight(text, "\r\n")
	var l line
	if !l.split(text) {
		return vta.Record{}, false
	}
	flag, ok := atoi(l.flag)
	if !ok || sam.Flags(flag)&sam.Unmapped != 0 {
		return vta.Record{}, false
	}
	if len(l.rname) == 0 || (len(l.rname) == 1 && l.rname[0] == '*') {
		return vta.Record{}, false
	}
	score, _ := l.alignScore()
	if score < cutoff {
		return vta.Record{}, false
	}
	pos, ok := atoi(l.pos)
	if !ok {
		return vta.Record{}, false
	}
	if pos > 0 {
		pos-- // SAM POS is 1-based.
	}
	return vta.Record{
		ReadID: string(l.qname),
		RefID:  string(l.rname),
		Pos:    pos,
		Length: len(l.seq),
		Score:  score,
	}, true
}

// Handler returns a line handler, suitable for a subprocess stdout stream,
// that calls fn for every line Parse accepts.
func Handler(cutoff float64, fn func(vta.Record) error) func([]byte) error {
	return func(text []byte) error {
		if r, ok := Parse(text, cutoff); ok {
			return fn(r)
		}
		return nil
	}
}
