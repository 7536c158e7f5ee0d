// Package fastq reads and writes FASTQ read files and summarizes their
// quality.
package fastq

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrShort is returned when a truncated FASTQ file is encountered.
	ErrShort = errors.New("short FASTQ file")
	// ErrInvalid is returned when an invalid FASTQ file is encountered.
	ErrInvalid = errors.New("invalid FASTQ file")
)

// A Read is a FASTQ read, comprising an ID, sequence, line 3
// ("unknown"), and a quality string.
type Read struct {
	ID, Seq, Unk, Qual string
}

const maxLineLen = 16 << 20

// Scanner reads FASTQ records. It requires ID lines to begin with "@", line
// 3 to begin with "+" and the quality string to be as long as the sequence.
// Scanners are not thread safe.
type Scanner struct {
	b    *bufio.Scanner
	n    int
	line int
	err  error
}

// NewScanner constructs a Scanner that reads raw FASTQ data from r.
func NewScanner(r io.Reader) *Scanner {
	b := bufio.NewScanner(r)
	b.Buffer(make([]byte, 64<<10), maxLineLen)
	return &Scanner{b: b}
}

// Scan reads the next read into r. Once Scan returns false, it never
// returns true again; Err distinguishes EOF from failure.
func (s *Scanner) Scan(r *Read) bool {
	if s.err != nil {
		return false
	}
	var id string
	for {
		if !s.b.Scan() {
			s.err = s.b.Err()
			if s.err == nil {
				s.err = io.EOF
			}
			return false
		}
		s.line++
		// Tolerate blank lines between records.
		if id = s.b.Text(); id != "" {
			break
		}
	}
	if id[0] != '@' {
		return s.fail(ErrInvalid, "expected '@'")
	}
	r.ID = id
	if !s.next(&r.Seq) || !s.next(&r.Unk) {
		return false
	}
	if len(r.Unk) == 0 || r.Unk[0] != '+' {
		return s.fail(ErrInvalid, "expected '+'")
	}
	if !s.next(&r.Qual) {
		return false
	}
	if len(r.Qual) != len(r.Seq) {
		return s.fail(ErrInvalid, "sequence and quality lengths differ")
	}
	s.n++
	return true
}

func (s *Scanner) next(dst *string) bool {
	if !s.b.Scan() {
		if s.err = s.b.Err(); s.err == nil {
			s.err = errors.Wrapf(ErrShort, "line %d", s.line+1)
		}
		return false
	}
	s.line++
	*dst = s.b.Text()
	return true
}

func (s *Scanner) fail(err error, msg string) bool {
	s.err = errors.Wrapf(err, "line %d: %s", s.line, msg)
	return false
}

// Count returns the number of reads scanned so far.
func (s *Scanner) Count() int { return s.n }

// Err returns the scanning error, if any. Use errors.Cause to compare
// against ErrShort and ErrInvalid.
func (s *Scanner) Err() error {
	if s.err == io.EOF {
		return nil
	}
	return s.err
}
